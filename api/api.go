package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"henrycloud/device"
	"henrycloud/henry"
	"henrycloud/metrics"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const (
	sessionName   = "henrycloud"
	sessionMaxAge = 86400 * 7

	loginRateLimitPeriod   = 2 * time.Second
	loginRateLimitAttempts = 5
)

type Bindings interface {
	Bind(ctx context.Context, b device.Binding) error
	Register(ctx context.Context, b device.Binding) error
	Unbind(ctx context.Context, userID string, serial device.Serial) error
	List(ctx context.Context, userID string) ([]device.Binding, error)
}

type Devices interface {
	Online(ip string) bool
	Connected() []string
}

type Runner interface {
	Resolve(ctx context.Context, userID string, ip string) (device.Serial, error)
	Run(ctx context.Context, userID string, serial device.Serial, req henry.Request) (henry.Message, error)
}

// Events serves the device event stream, either every event or only those
// of the devices a user is bound to.
type Events interface {
	http.Handler
	ServeUser(w http.ResponseWriter, r *http.Request, userID string)
}

type User struct {
	ID           string
	Name         string
	PasswordHash string
}

type Config struct {
	CORSOrigins   []string
	RequireLogin  bool
	SessionSecret []byte

	// Dashboard users keyed by login name
	Users map[string]User
}

type Server struct {
	config   Config
	bindings Bindings
	devices  Devices
	runner   Runner
	events   Events

	sessions *sessions.CookieStore
	limiter  *rate.Limiter
}

// New builds the dashboard API. events may be nil when no stream is served.
func New(config Config, bindings Bindings, devices Devices, runner Runner, events Events) (*Server, error) {
	if len(config.SessionSecret) == 0 {
		log.Warn().Msg("No session secret configured, sessions will not survive a restart")
		config.SessionSecret = make([]byte, 32)
		if _, err := rand.Read(config.SessionSecret); err != nil {
			return nil, err
		}
	}

	if len(config.Users) == 0 {
		log.Warn().Msg("No dashboard users configured, using the default admin account")
		hash, err := bcrypt.GenerateFromPassword([]byte("123"), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		config.Users = map[string]User{
			"admin": {ID: "1", Name: "Administrador", PasswordHash: string(hash)},
		}
	}

	store := sessions.NewCookieStore(config.SessionSecret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	return &Server{
		config:   config,
		bindings: bindings,
		devices:  devices,
		runner:   runner,
		events:   events,
		sessions: store,
		limiter:  rate.NewLimiter(rate.Every(loginRateLimitPeriod), loginRateLimitAttempts),
	}, nil
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/api/login", s.login).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/logout", s.logout).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/meus-relogios", s.list).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/vincular", s.bind).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/vincular/{ns}", s.unbind).Methods(http.MethodDelete, http.MethodOptions)
	r.HandleFunc("/api/cadastrar-relogio", s.register).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/comando", s.command).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/status", s.status).Methods(http.MethodGet, http.MethodOptions)
	if s.events != nil {
		r.HandleFunc("/api/events", s.eventStream).Methods(http.MethodGet)
	}

	r.Use(logging, mux.CORSMethodMiddleware(r), s.cors)

	return r
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case slices.Contains(s.config.CORSOrigins, "*"):
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(s.config.CORSOrigins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps the event stream working behind the logger.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
