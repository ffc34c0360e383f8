package ws

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testServer() *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(nil, map[string]string{"secret-key": "agent-1"}, logger)
}

func TestUpgradeRejectsMissingToken(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws/exec?sandbox_id=abc", nil)

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestUpgradeRejectsWrongToken(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws/exec?token=wrong", nil)

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestUpgradeRejectsBadSandboxID(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws/exec?token=secret-key&sandbox_id=not-a-uuid", nil)

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestBearerHeaderAccepted(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/ws/exec", nil)
	req.Header.Set("Authorization", "Bearer secret-key")

	if got := s.authenticate(req); got != "agent-1" {
		t.Errorf("principal = %q, want agent-1", got)
	}
}
