package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/apierrors"
)

// PoolSandboxState is the per-sandbox membership tag within a warm pool.
// State is mutated only via compare-and-swap on the pool state store.
type PoolSandboxState string

const (
	PoolStateWarming  PoolSandboxState = "warming"
	PoolStateReady    PoolSandboxState = "ready"
	PoolStateClaimed  PoolSandboxState = "claimed"
	PoolStateEvicting PoolSandboxState = "evicting"
)

// PoolMember is the replicated record of one sandbox's pool membership.
// Version backs optimistic compare-and-swap; every successful transition
// increments it.
type PoolMember struct {
	PoolID    string           `json:"pool_id"`
	SandboxID uuid.UUID        `json:"sandbox_id"`
	State     PoolSandboxState `json:"state"`
	ClaimedBy string           `json:"claimed_by,omitempty"` // Identity ID, set while Claimed.
	CreatedAt time.Time        `json:"created_at"`
	Version   int64            `json:"version"`
}

// AutoscaleConfig tunes the pool's periodic autoscaling task.
type AutoscaleConfig struct {
	HeadroomFactor float64       `json:"headroom_factor"` // Desired = claim rate x headroom.
	EvalInterval   time.Duration `json:"eval_interval"`
}

// WarmPoolConfig defines a pool of pre-spawned, identity-unbound sandboxes.
// The template must not carry a bound requester — identity is bound at claim.
type WarmPoolConfig struct {
	PoolID    string           `json:"pool_id"`
	Template  SandboxSpec      `json:"template"`
	MinReady  int              `json:"min_ready"`
	MaxReady  int              `json:"max_ready"`
	MaxAge    time.Duration    `json:"max_age"` // Forced eviction age. 0 = never.
	Reusable  bool             `json:"reusable"`
	Autoscale *AutoscaleConfig `json:"autoscale,omitempty"`
}

// Validate enforces pool invariants at creation time, notably
// min_ready <= max_ready.
func (c *WarmPoolConfig) Validate(caps LimitCaps) error {
	if c.PoolID == "" {
		return apierrors.Validation("pool_id is required")
	}
	if c.MinReady < 0 {
		return apierrors.Validation("min_ready must not be negative, got %d", c.MinReady)
	}
	if c.MaxReady <= 0 {
		return apierrors.Validation("max_ready must be positive, got %d", c.MaxReady)
	}
	if c.MinReady > c.MaxReady {
		return apierrors.Validation("min_ready %d exceeds max_ready %d", c.MinReady, c.MaxReady)
	}
	if c.MaxAge < 0 {
		return apierrors.Validation("max_age must not be negative, got %s", c.MaxAge)
	}
	if c.Template.Requester.ID != "" {
		return apierrors.Validation("pool template must not carry a bound identity")
	}
	// Template identity is bound at claim time; validate the rest of the
	// template with a placeholder requester and chain.
	tpl := c.Template
	tpl.Requester = Identity{ID: "template", Kind: "service"}
	if len(tpl.DelegationChain) == 0 {
		tpl.DelegationChain = DelegationChain{{ID: "template", Kind: "human"}}
	}
	if err := tpl.Validate(caps); err != nil {
		return err
	}
	c.Template.Limits = tpl.Limits // Keep the defaulted limits.
	if c.Autoscale != nil {
		if c.Autoscale.HeadroomFactor <= 0 {
			return apierrors.Validation("autoscale headroom_factor must be positive, got %g", c.Autoscale.HeadroomFactor)
		}
		if c.Autoscale.EvalInterval <= 0 {
			return apierrors.Validation("autoscale eval_interval must be positive, got %s", c.Autoscale.EvalInterval)
		}
	}
	return nil
}

// PoolStatistics is a derived snapshot of pool occupancy. It is recomputed
// from the state store on demand and is never the source of truth.
type PoolStatistics struct {
	PoolID        string    `json:"pool_id"`
	WarmingCount  int       `json:"warming_count"`
	ReadyCount    int       `json:"ready_count"`
	ClaimedCount  int       `json:"claimed_count"`
	EvictingCount int       `json:"evicting_count"`
	ClaimRate     float64   `json:"claim_rate"` // Claims per second over the sample window.
	OldestReady   time.Time `json:"oldest_ready,omitempty"`
}
