package backend

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/apierrors"
	"github.com/jkaninda/enclave/internal/domain"
)

// flakySpawner overrides Spawn; everything else panics if reached.
type flakySpawner struct {
	Backend

	spawnErr error
	calls    int
}

func (f *flakySpawner) Spawn(context.Context, uuid.UUID, domain.SandboxSpec, string, map[string]string) error {
	f.calls++
	return f.spawnErr
}

func spawnOnce(t *testing.T, b *Breaker) error {
	t.Helper()
	return b.Spawn(context.Background(), uuid.New(), testSpec(), "", nil)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakySpawner{spawnErr: apierrors.BackendUnavailable("runtime down")}
	b := NewBreaker(inner, BreakerOptions{Threshold: 3, Cooldown: time.Minute})

	for i := 0; i < 3; i++ {
		if err := spawnOnce(t, b); !apierrors.IsCode(err, apierrors.CodeBackendDown) {
			t.Fatalf("spawn %d: err = %v, want BACKEND_UNAVAILABLE", i, err)
		}
	}
	if inner.calls != 3 {
		t.Fatalf("inner calls = %d, want 3", inner.calls)
	}

	err := spawnOnce(t, b)
	if !apierrors.IsCode(err, apierrors.CodeBackendDown) {
		t.Fatalf("err = %v, want BACKEND_UNAVAILABLE", err)
	}
	if inner.calls != 3 {
		t.Errorf("inner calls = %d after circuit opened, want 3", inner.calls)
	}
	if _, ok := apierrors.AsError(err).Details["retryAfter"]; !ok {
		t.Error("open-circuit error missing retryAfter detail")
	}
}

func TestBreakerIgnoresInputFailures(t *testing.T) {
	inner := &flakySpawner{spawnErr: apierrors.ImageNotFound("registry.local/missing:1")}
	b := NewBreaker(inner, BreakerOptions{Threshold: 2, Cooldown: time.Minute})

	for i := 0; i < 5; i++ {
		spawnOnce(t, b)
	}
	if inner.calls != 5 {
		t.Errorf("inner calls = %d, want 5 (image errors must not open the circuit)", inner.calls)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	inner := &flakySpawner{spawnErr: apierrors.BackendUnavailable("runtime down")}
	b := NewBreaker(inner, BreakerOptions{Threshold: 1, Cooldown: 10 * time.Millisecond})

	spawnOnce(t, b)
	if err := spawnOnce(t, b); inner.calls != 1 {
		t.Fatalf("inner calls = %d while open (err %v), want 1", inner.calls, err)
	}

	time.Sleep(20 * time.Millisecond)

	inner.spawnErr = nil
	if err := spawnOnce(t, b); err != nil {
		t.Fatalf("probe after cooldown: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("inner calls = %d, want 2", inner.calls)
	}

	// Closed again: failures start counting from zero.
	inner.spawnErr = apierrors.BackendUnavailable("runtime down")
	spawnOnce(t, b)
	if inner.calls != 3 {
		t.Errorf("inner calls = %d, want 3 (circuit closed after successful probe)", inner.calls)
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	inner := &flakySpawner{spawnErr: apierrors.BackendUnavailable("runtime down")}
	b := NewBreaker(inner, BreakerOptions{Threshold: 2, Cooldown: 10 * time.Millisecond})

	spawnOnce(t, b)
	spawnOnce(t, b)
	time.Sleep(20 * time.Millisecond)

	spawnOnce(t, b)
	if inner.calls != 3 {
		t.Fatalf("inner calls = %d, want 3 (one probe)", inner.calls)
	}
	if err := spawnOnce(t, b); inner.calls != 3 {
		t.Errorf("inner calls = %d after failed probe (err %v), want 3", inner.calls, err)
	}
}
