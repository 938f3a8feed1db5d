package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"henrycloud/api"
	"henrycloud/command"
	"henrycloud/config"
	"henrycloud/device"
	"henrycloud/hub"
	"henrycloud/integration/mqtt"
	"henrycloud/integration/ntfy"
	"henrycloud/integration/sse"
	"henrycloud/store"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setupLogging(cfg config.Config) {
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", cfg.Log.Level).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Get(config.Path())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	setupLogging(cfg)

	s, err := store.Open(cfg.Storage.Path, cfg.Storage.SecretKey)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Storage.Path).Msg("Failed to open database")
	}
	defer s.Close()

	h := hub.New(hub.Config{
		CommandTimeout: cfg.Devices.CommandTimeout,
		SessionTTL:     cfg.Devices.SessionTTL,
	})
	defer h.Close()

	// Dashboard event stream
	stream := sse.New(s)
	h.AddObserver(stream)

	// ntfy.sh
	if cfg.Ntfy.Topic != "" {
		h.AddObserver(ntfy.New(cfg.Ntfy))
	}

	defaults := device.Credentials{User: cfg.Devices.DefaultUser, Password: cfg.Devices.DefaultPassword}
	service := command.NewService(s, h, defaults)

	// MQTT
	if cfg.MQTT.Enabled() {
		// Subscriptions are gone after a reconnect, so they are made on every connect
		m, err := mqtt.New(cfg.MQTT, func(c mqtt.Client) {
			if err := mqtt.HandleCommands(c, cfg.MQTT.Prefix, service); err != nil {
				log.Error().Err(err).Msg("Failed to subscribe to commands")
			}
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to MQTT")
		}
		defer mqtt.Delete(m, cfg.MQTT.Prefix)

		h.AddObserver(mqtt.NewObserver(m, cfg.MQTT.Prefix))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := h.ListenAndServe(ctx, cfg.Devices.Addr); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Devices.Addr).Msg("Device listener failed")
		}
	}()

	for _, addr := range cfg.Devices.Dial {
		go h.Dial(ctx, addr)
	}

	users := make(map[string]api.User, len(cfg.Dashboard.Users))
	for name, u := range cfg.Dashboard.Users {
		users[name] = api.User{ID: u.ID, Name: u.Name, PasswordHash: u.PasswordHash}
	}

	server, err := api.New(api.Config{
		CORSOrigins:   cfg.HTTP.CORSOrigins,
		RequireLogin:  cfg.Dashboard.RequireLogin,
		SessionSecret: cfg.Dashboard.SessionSecret,
		Users:         users,
	}, s, h, service, stream)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create API")
	}

	srv := http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.Router(),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		<-ctx.Done()
		log.Info().Msg("Shutting down")

		// Event streams never finish on their own
		stream.Close()

		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	log.Info().Str("addr", cfg.HTTP.Addr).Int("pid", os.Getpid()).Msg("Starting server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("HTTP server failed")
	}

	<-done
}
