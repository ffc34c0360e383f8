// Package ws implements the WebSocket exec endpoint. A client connects,
// authenticates, binds to one sandbox, and then runs commands interactively
// over the same connection instead of paying HTTP overhead per command.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/apierrors"
	"github.com/jkaninda/enclave/internal/backend"
	"github.com/jkaninda/enclave/internal/manager"
)

// Subprotocol identifies the exec session wire format.
const Subprotocol = "enclave-exec-v1"

const writeTimeout = 10 * time.Second

// ExecFrame is one command request sent by the client.
type ExecFrame struct {
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// ResultFrame is the server's response to one ExecFrame. Error is set and
// ExitCode is -1 when the command could not be run at all.
type ResultFrame struct {
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Server upgrades HTTP connections and runs exec sessions against the
// sandbox manager.
type Server struct {
	manager *manager.Manager
	apiKeys map[string]string // API key → principal ID, same mapping as the HTTP gateway.
	logger  *slog.Logger
}

// NewServer creates a WebSocket exec server.
func NewServer(mgr *manager.Manager, apiKeys map[string]string, logger *slog.Logger) *Server {
	return &Server{
		manager: mgr,
		apiKeys: apiKeys,
		logger:  logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	principal := s.authenticate(r)
	if principal == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sandboxID, err := uuid.Parse(r.URL.Query().Get("sandbox_id"))
	if err != nil {
		http.Error(w, "invalid or missing sandbox_id", http.StatusBadRequest)
		return
	}

	// The sandbox must exist and belong to the caller before the upgrade.
	handle, err := s.manager.Get(r.Context(), sandboxID)
	if err != nil {
		http.Error(w, "sandbox not found", http.StatusNotFound)
		return
	}
	if handle.Identity.ID != principal {
		http.Error(w, "sandbox belongs to another principal", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Info("exec session opened",
		slog.String("principal", principal),
		slog.String("sandbox_id", sandboxID.String()),
	)
	s.handleSession(r.Context(), conn, sandboxID)
}

// authenticate resolves the API key from the token query parameter or the
// Authorization header to a principal ID. Returns "" on failure.
func (s *Server) authenticate(r *http.Request) string {
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		return ""
	}

	principal := ""
	for key, id := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			principal = id
		}
	}
	return principal
}

func (s *Server) handleSession(ctx context.Context, conn *websocket.Conn, sandboxID uuid.UUID) {
	defer conn.Close(websocket.StatusNormalClosure, "session closed")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("exec session closed", slog.String("sandbox_id", sandboxID.String()))
			} else {
				s.logger.Warn("exec session error",
					slog.String("sandbox_id", sandboxID.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var frame ExecFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.writeResult(ctx, conn, ResultFrame{ExitCode: -1, Error: "invalid frame"})
			continue
		}
		if len(frame.Command) == 0 {
			s.writeResult(ctx, conn, ResultFrame{ExitCode: -1, Error: "command is required"})
			continue
		}

		result, err := s.manager.Exec(ctx, sandboxID, backend.ExecRequest{
			Command: frame.Command,
			Env:     frame.Env,
			Timeout: time.Duration(frame.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			s.writeResult(ctx, conn, ResultFrame{ExitCode: -1, Error: apierrors.AsError(err).Message})
			continue
		}

		s.writeResult(ctx, conn, ResultFrame{
			Stdout:     result.Stdout,
			Stderr:     result.Stderr,
			ExitCode:   result.ExitCode,
			DurationMS: result.Duration.Milliseconds(),
		})
	}
}

func (s *Server) writeResult(ctx context.Context, conn *websocket.Conn, frame ResultFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		s.logger.Warn("exec result write failed", slog.String("error", err.Error()))
	}
}
