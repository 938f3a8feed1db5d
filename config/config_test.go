package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func write(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestGetDefaults(t *testing.T) {
	cfg, err := Get(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.HTTP.Addr != ":5000" || cfg.Devices.Addr != ":3000" {
		t.Fatalf("unexpected addresses %q %q", cfg.HTTP.Addr, cfg.Devices.Addr)
	}
	if cfg.Devices.DefaultUser != "admin" || cfg.Devices.DefaultPassword != "123" {
		t.Fatal("default device credentials not set")
	}
	if cfg.Storage.Path != "sistema_henry.sqlite" {
		t.Fatalf("unexpected storage path %q", cfg.Storage.Path)
	}
	if cfg.MQTT.Enabled() {
		t.Fatal("mqtt should be disabled without a host")
	}
}

func TestGetFile(t *testing.T) {
	path := write(t, `
http:
  addr: ":8080"
  cors_origins: ["https://painel.example.com"]
devices:
  dial: ["192.168.1.200:3000"]
  session_ttl: 1m
storage:
  secret_key: "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="
dashboard:
  require_login: true
  users:
    maria:
      id: "7"
      name: Maria
      password_hash: "$2a$10$abc"
mqtt:
  host: broker
`)

	cfg, err := Get(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.HTTP.Addr != ":8080" || len(cfg.HTTP.CORSOrigins) != 1 {
		t.Fatalf("unexpected http config %+v", cfg.HTTP)
	}
	if len(cfg.Devices.Dial) != 1 || cfg.Devices.SessionTTL != time.Minute {
		t.Fatalf("unexpected devices config %+v", cfg.Devices)
	}
	// Defaults survive a partial file
	if cfg.Devices.CommandTimeout != 10*time.Second {
		t.Fatalf("unexpected command timeout %s", cfg.Devices.CommandTimeout)
	}
	if len(cfg.Storage.SecretKey) != 32 || cfg.Storage.SecretKey[31] != 31 {
		t.Fatalf("secret key not decoded: %v", cfg.Storage.SecretKey)
	}
	if u := cfg.Dashboard.Users["maria"]; u.ID != "7" || !cfg.Dashboard.RequireLogin {
		t.Fatalf("unexpected dashboard config %+v", cfg.Dashboard)
	}
	if !cfg.MQTT.Enabled() || cfg.MQTT.Port != "1883" {
		t.Fatalf("unexpected mqtt config %+v", cfg.MQTT)
	}
}

func TestGetEnvironmentOverrides(t *testing.T) {
	path := write(t, "http:\n  addr: \":8080\"\n")

	t.Setenv("HENRY_HTTP_ADDR", ":9090")
	t.Setenv("NTFY_TOPIC", "relogios")
	t.Setenv("HENRY_SESSION_SECRET", "c2VjcmV0")

	cfg, err := Get(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("environment should override the file, got %q", cfg.HTTP.Addr)
	}
	if cfg.Ntfy.Topic != "relogios" {
		t.Fatalf("unexpected ntfy topic %q", cfg.Ntfy.Topic)
	}
	if string(cfg.Dashboard.SessionSecret) != "secret" {
		t.Fatalf("unexpected session secret %q", cfg.Dashboard.SessionSecret)
	}
}

func TestGetInvalidFile(t *testing.T) {
	if _, err := Get(write(t, "http: [")); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestPath(t *testing.T) {
	t.Setenv("HENRY_CONFIG", "/etc/henry.yml")
	if Path() != "/etc/henry.yml" {
		t.Fatalf("unexpected path %q", Path())
	}
}
