package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"henrycloud/integration/mqtt"
	"henrycloud/integration/ntfy"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.yml"

type User struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"password_hash"`
}

type Config struct {
	Log struct {
		Level  string `yaml:"level" envconfig:"HENRY_LOG_LEVEL"`
		Pretty bool   `yaml:"pretty" envconfig:"HENRY_LOG_PRETTY"`
	} `yaml:"log"`

	HTTP struct {
		Addr        string   `yaml:"addr" envconfig:"HENRY_HTTP_ADDR"`
		CORSOrigins []string `yaml:"cors_origins" envconfig:"HENRY_CORS_ORIGINS"`
	} `yaml:"http"`

	Devices struct {
		Addr            string        `yaml:"addr" envconfig:"HENRY_DEVICES_ADDR"`
		Dial            []string      `yaml:"dial" envconfig:"HENRY_DEVICES_DIAL"`
		CommandTimeout  time.Duration `yaml:"command_timeout" envconfig:"HENRY_COMMAND_TIMEOUT"`
		SessionTTL      time.Duration `yaml:"session_ttl" envconfig:"HENRY_SESSION_TTL"`
		DefaultUser     string        `yaml:"default_user" envconfig:"HENRY_DEVICE_USER"`
		DefaultPassword string        `yaml:"default_password" envconfig:"HENRY_DEVICE_PASSWORD"`
	} `yaml:"devices"`

	Storage struct {
		Path      string `yaml:"path" envconfig:"HENRY_DB_PATH"`
		SecretKey Key    `yaml:"secret_key" envconfig:"HENRY_SECRET_KEY"`
	} `yaml:"storage"`

	Dashboard struct {
		SessionSecret Key             `yaml:"session_secret" envconfig:"HENRY_SESSION_SECRET"`
		RequireLogin  bool            `yaml:"require_login" envconfig:"HENRY_REQUIRE_LOGIN"`
		Users         map[string]User `yaml:"users" ignored:"true"`
	} `yaml:"dashboard"`

	MQTT mqtt.Config `yaml:"mqtt"`
	Ntfy ntfy.Config `yaml:"ntfy"`
}

// Key is a base64 encoded secret.
type Key []byte

func (k *Key) Decode(value string) error {
	b, err := base64.StdEncoding.DecodeString(value)
	*k = b

	return err
}

func (k *Key) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	return k.Decode(s)
}

func defaults() Config {
	var cfg Config

	cfg.Log.Level = "info"
	cfg.HTTP.Addr = ":5000"
	cfg.HTTP.CORSOrigins = []string{"*"}
	cfg.Devices.Addr = ":3000"
	cfg.Devices.CommandTimeout = 10 * time.Second
	cfg.Devices.SessionTTL = 5 * time.Minute
	cfg.Devices.DefaultUser = "admin"
	cfg.Devices.DefaultPassword = "123"
	cfg.Storage.Path = "sistema_henry.sqlite"
	cfg.MQTT.Port = "1883"
	cfg.MQTT.ClientID = "henrycloud"
	cfg.MQTT.Prefix = "henry"

	return cfg
}

// Path returns the config file location, HENRY_CONFIG overrides the default.
func Path() string {
	if path, ok := os.LookupEnv("HENRY_CONFIG"); ok && path != "" {
		return path
	}

	return DefaultPath
}

func Get(path string) (Config, error) {
	cfg := defaults()

	// First load the config from the yaml file, it is optional
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("opening config file: %w", err)
	}

	// Then load values from environment
	// This can be used to either override the config or pass in secrets
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment config: %w", err)
	}

	return cfg, nil
}
