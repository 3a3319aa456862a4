package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"tiergate/internal/config"
	"tiergate/internal/types"
)

const testAPIKey = "tg_test_key_0123456789"

// recordingAudit captures audit events for assertions.
type recordingAudit struct {
	mu     sync.Mutex
	events []types.AuditEvent
}

func (a *recordingAudit) Record(_ context.Context, event types.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAudit) Events() []types.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.AuditEvent, len(a.events))
	copy(out, a.events)
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash test API key: %v", err)
	}
	return &config.Config{
		Environment: "local",
		Service:     "tiergate",
		Server: config.ServerConfig{
			Port:          "8080",
			DefaultOrigin: "https://app.example.com",
		},
		Auth: config.AuthConfig{
			APIKeyHash: config.SecretString(hash),
		},
		Build: config.BuildInfo{Version: "test"},
	}
}

func newTestServer(t *testing.T) (*Server, *recordingAudit) {
	t.Helper()
	audit := &recordingAudit{}
	s, err := NewServer(testConfig(t), types.NewSlogLogger(nil), audit)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return s, audit
}

func TestNewServer_NilConfig(t *testing.T) {
	if _, err := NewServer(nil, types.NewSlogLogger(nil), nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestNewServer_NilLogger(t *testing.T) {
	if _, err := NewServer(testConfig(t), nil, nil); err == nil {
		t.Fatal("expected error for nil logger")
	}
}

func TestMountRoutes_HealthIsUnauthenticated(t *testing.T) {
	s, _ := newTestServer(t)
	s.MountRoutes()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200 without credentials, got %d", w.Code)
	}
}

func TestMountRoutes_V1RequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)
	s.V1RouteRegistrars = append(s.V1RouteRegistrars, func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			JSON(w, r, http.StatusOK, APIResponse{Data: "pong"})
		})
	})
	s.MountRoutes()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401 without credentials, got %d", w.Code)
	}
}

func TestMountRoutes_V1AuthenticatedRequestSucceeds(t *testing.T) {
	s, _ := newTestServer(t)
	s.V1RouteRegistrars = append(s.V1RouteRegistrars, func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			JSON(w, r, http.StatusOK, APIResponse{Data: "pong"})
		})
	})
	s.MountRoutes()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	r.Header.Set("Authorization", "Bearer "+testAPIKey)
	r.Header.Set("X-Actor-Id", "user-1")
	s.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected security headers on response, got X-Content-Type-Options=%q", got)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("expected a request ID header on the response")
	}
}
