package backend

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/apierrors"
	"github.com/jkaninda/enclave/internal/domain"
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// BreakerOptions tunes the provisioning circuit breaker.
type BreakerOptions struct {
	// Threshold is the number of consecutive provisioning failures that
	// opens the circuit. 0 = 5.
	Threshold int
	// Cooldown is how long the circuit stays open before a single probe
	// is allowed through. 0 = 30s.
	Cooldown time.Duration
}

// Breaker wraps a Backend and circuit-breaks its provisioning paths.
// Repeated BACKEND_UNAVAILABLE or TIMEOUT failures from Spawn or Restore
// open the circuit; while open, provisioning is rejected immediately so
// callers back off instead of queueing against a dead runtime. Exec,
// Terminate, and the other per-sandbox calls are never gated: sandboxes
// that already exist stay reachable.
type Breaker struct {
	Backend

	opts BreakerOptions

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// NewBreaker wraps inner with a provisioning circuit breaker.
func NewBreaker(inner Backend, opts BreakerOptions) *Breaker {
	if opts.Threshold <= 0 {
		opts.Threshold = defaultBreakerThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultBreakerCooldown
	}
	return &Breaker{Backend: inner, opts: opts}
}

func (b *Breaker) Spawn(ctx context.Context, id uuid.UUID, spec domain.SandboxSpec, rootfs string, secretEnv map[string]string) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := b.Backend.Spawn(ctx, id, spec, rootfs, secretEnv)
	b.observe(err)
	return err
}

func (b *Breaker) Restore(ctx context.Context, id uuid.UUID, spec domain.SandboxSpec, snapshot *Snapshot, secretEnv map[string]string) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := b.Backend.Restore(ctx, id, spec, snapshot, secretEnv)
	b.observe(err)
	return err
}

// allow rejects while the circuit is open. After the cooldown one probe
// passes through half-open; its failure reopens the circuit, its success
// closes it.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return nil
	}
	if remaining := time.Until(b.openUntil); remaining > 0 {
		return apierrors.BackendUnavailable("isolation backend circuit open").
			WithDetail("retryAfter", remaining.Round(time.Second).String())
	}
	b.openUntil = time.Time{}
	b.failures = b.opts.Threshold - 1
	return nil
}

func (b *Breaker) observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		b.openUntil = time.Time{}
		return
	}
	// Input-shaped failures (bad spec, missing image) say nothing about
	// backend health and must not trip the circuit.
	if !apierrors.IsCode(err, apierrors.CodeBackendDown) && !apierrors.IsCode(err, apierrors.CodeTimeout) {
		return
	}
	b.failures++
	if b.failures >= b.opts.Threshold {
		b.openUntil = time.Now().Add(b.opts.Cooldown)
	}
}
