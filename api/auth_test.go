package api

import (
	"net/http"
	"testing"
)

func TestLogin(t *testing.T) {
	f := setup(t, false)

	expect(t, f.do(t, http.MethodPost, "/api/login", map[string]string{"usuario": "maria", "senha": "segredo"}),
		http.StatusOK, map[string]any{"id": "7", "name": "Maria"})

	if len(f.cookies) == 0 {
		t.Fatal("login should set a session cookie")
	}
}

func TestLoginInvalid(t *testing.T) {
	f := setup(t, false)

	expect(t, f.do(t, http.MethodPost, "/api/login", map[string]string{"usuario": "maria", "senha": "errada"}),
		http.StatusUnauthorized, map[string]any{"erro": "Credenciais inválidas!"})

	expect(t, f.do(t, http.MethodPost, "/api/login", map[string]string{"usuario": "joao", "senha": "segredo"}),
		http.StatusUnauthorized, map[string]any{"erro": "Credenciais inválidas!"})
}

func TestLoginRateLimit(t *testing.T) {
	f := setup(t, false)

	var last int
	for i := 0; i < loginRateLimitAttempts+1; i++ {
		last = f.do(t, http.MethodPost, "/api/login", map[string]string{"usuario": "maria", "senha": "errada"}).Code
	}

	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d attempts, got %d", loginRateLimitAttempts+1, last)
	}
}

func TestDefaultUser(t *testing.T) {
	server, err := New(Config{}, nil, &fakeDevices{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{handler: server.Router()}
	expect(t, f.do(t, http.MethodPost, "/api/login", map[string]string{"usuario": "admin", "senha": "123"}),
		http.StatusOK, map[string]any{"id": "1", "name": "Administrador"})
}

func TestRequireLogin(t *testing.T) {
	f := setup(t, true)

	for _, path := range []string{"/api/meus-relogios?userId=7", "/api/status", "/api/events"} {
		rec := f.do(t, http.MethodGet, path, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 without a session on %s, got %d", path, rec.Code)
		}
	}

	f.do(t, http.MethodPost, "/api/login", map[string]string{"usuario": "maria", "senha": "segredo"})

	// The user id comes from the session when omitted
	expect(t, f.do(t, http.MethodPost, "/api/vincular", map[string]string{"ns": "000123", "ip": "10.0.0.2"}),
		http.StatusOK, map[string]any{"status": "00"})

	// Devices bound to other users stay hidden
	f.devices.online = []string{"10.0.0.2", "10.0.0.3"}
	expect(t, f.do(t, http.MethodGet, "/api/status", nil), http.StatusOK, map[string]any{"online": []any{"10.0.0.2"}})

	rec := f.do(t, http.MethodGet, "/api/events", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "user:7" {
		t.Fatalf("expected the user stream, got %d %q", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/meus-relogios", nil)
	if got := decode[[]map[string]any](t, rec); len(got) != 1 || got[0]["ns"] != "000123" {
		t.Fatalf("unexpected list %v", got)
	}

	rec = f.do(t, http.MethodGet, "/api/meus-relogios?userId=1", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user id, got %d", rec.Code)
	}

	f.do(t, http.MethodPost, "/api/logout", nil)

	rec = f.do(t, http.MethodGet, "/api/meus-relogios", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}
