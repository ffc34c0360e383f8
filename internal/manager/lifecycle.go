package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/domain"
)

// watchTick bounds how often the idle clock is checked.
var watchTick = time.Second

// startWatcher launches the TTL and idle watcher for a registered
// sandbox. Expiry goes through the normal Terminate path, so enforcement
// is cooperative with in-flight operations: a running exec finishes (or
// hits its own timeout) before teardown proceeds.
func (m *Manager) startWatcher(ent *entry) {
	ctx, cancel := context.WithCancel(context.Background())
	ent.cancelWatch = cancel

	id := ent.handle.ID
	idle := ent.spec.IdleTimeout
	deadline := ent.handle.CreatedAt.Add(ent.spec.TTL)

	go func() {
		ticker := time.NewTicker(watchTick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if now.After(deadline) {
					m.expire(id, ReasonTTLExpired)
					return
				}
				if idle > 0 {
					ent.mu.Lock()
					lastActive := ent.lastActive
					busy := ent.handle.Status.Phase != domain.PhaseReady
					ent.mu.Unlock()
					if !busy && now.Sub(lastActive) > idle {
						m.expire(id, ReasonIdleTimeout)
						return
					}
				}
			}
		}
	}()
}

func (m *Manager) expire(id uuid.UUID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.TerminateTimeout)
	defer cancel()
	if err := m.Terminate(ctx, id, reason); err != nil {
		m.deps.Logger.Error("expiry terminate failed",
			slog.String("sandbox_id", id.String()),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
}
