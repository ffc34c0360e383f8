// Package audit emits the orchestration core's audit trail: lifecycle
// transitions, claims, egress decisions, checkpoint operations. Recording is
// fire-and-log — an audit failure never fails the operation that produced the
// event, but it is itself logged as a degraded-mode condition.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the core.
const (
	TypeSandboxSpawned    = "sandbox.spawned"
	TypeSandboxExec       = "sandbox.exec"
	TypeSandboxTerminated = "sandbox.terminated"
	TypeSandboxFailed     = "sandbox.failed"
	TypePoolCreated       = "pool.created"
	TypePoolClaimed       = "pool.claimed"
	TypePoolReleased      = "pool.released"
	TypePoolEvicted       = "pool.evicted"
	TypeEgressDecision    = "egress.decision"
	TypeDNSDecision       = "dns.decision"
	TypeCheckpointCreated = "checkpoint.created"
	TypeSandboxRestored   = "sandbox.restored"
)

// Event is a single audit record. Details never contain secret material.
type Event struct {
	Time      time.Time         `json:"time"`
	Type      string            `json:"type"`
	SandboxID uuid.UUID         `json:"sandbox_id,omitempty"`
	PoolID    string            `json:"pool_id,omitempty"`
	Identity  string            `json:"identity,omitempty"` // Acting identity id.
	Outcome   string            `json:"outcome"`            // "ok", "denied", "failed".
	Details   map[string]string `json:"details,omitempty"`
}

// Recorder persists audit events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Emitter wraps a Recorder with the fire-and-log contract: Emit stamps the
// event time, records it, and downgrades failures to a warning.
type Emitter struct {
	recorder Recorder
	logger   *slog.Logger
}

// NewEmitter creates an emitter. A nil recorder drops events silently, for
// deployments without an audit sink.
func NewEmitter(recorder Recorder, logger *slog.Logger) *Emitter {
	return &Emitter{recorder: recorder, logger: logger}
}

// MultiRecorder fans one event out to several sinks, e.g. a local JSONL
// file for forensics plus the shared database for queries. All sinks are
// attempted; the first error is returned.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, event Event) error {
	var first error
	for _, r := range m {
		if err := r.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Emit records the event. Never returns an error; audit is off the critical
// path for correctness.
func (e *Emitter) Emit(ctx context.Context, event Event) {
	if e == nil || e.recorder == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if err := e.recorder.Record(ctx, event); err != nil {
		e.logger.Warn("audit record failed, continuing in degraded mode",
			slog.String("type", event.Type),
			slog.String("outcome", event.Outcome),
			slog.String("error", err.Error()),
		)
	}
}
