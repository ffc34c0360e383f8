// Package pool maintains warm pools of pre-spawned sandboxes. Membership
// state lives in the state store and mutates only through compare-and-swap,
// so any number of concurrent claimers agree on ownership without a
// coordination service: the CAS winner owns the sandbox, losers move to
// the next candidate.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/enclave/internal/apierrors"
	"github.com/jkaninda/enclave/internal/audit"
	"github.com/jkaninda/enclave/internal/domain"
	"github.com/jkaninda/enclave/internal/manager"
	"github.com/jkaninda/enclave/internal/statestore"
)

// Provisioner is the sandbox-lifecycle surface the pool needs. Implemented
// by the sandbox manager.
type Provisioner interface {
	SpawnPooled(ctx context.Context, poolID string, template domain.SandboxSpec) (uuid.UUID, error)
	ClaimPooled(ctx context.Context, id uuid.UUID, spec domain.SandboxSpec) (*domain.SandboxHandle, error)
	RecyclePooled(ctx context.Context, id uuid.UUID) error
	Terminate(ctx context.Context, id uuid.UUID, reason string) error
}

// Options tunes claim behavior and maintenance cadence.
type Options struct {
	// ClaimGrace bounds how long an empty-pool claim waits for a warming
	// sandbox before failing with pool exhaustion. 0 = 2s.
	ClaimGrace time.Duration
	// ClaimPoll is the re-check interval while waiting. 0 = 25ms.
	ClaimPoll time.Duration
	// MaintenanceInterval drives replenishment and eviction. 0 = 5s.
	MaintenanceInterval time.Duration
	// RateWindow is the sliding window for claim-rate estimation. 0 = 1m.
	RateWindow time.Duration
}

type metrics struct {
	claimSeconds *prometheus.HistogramVec
	claims       *prometheus.CounterVec
	readyGauge   *prometheus.GaugeVec
	evictions    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		claimSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "enclave",
			Subsystem: "pool",
			Name:      "claim_seconds",
			Help:      "Warm claim latency from request to bound handle.",
			Buckets:   []float64{.005, .01, .025, .05, .075, .1, .25, .5, 1, 2.5},
		}, []string{"pool"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enclave",
			Subsystem: "pool",
			Name:      "claims_total",
			Help:      "Claim attempts by outcome.",
		}, []string{"pool", "outcome"}),
		readyGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "enclave",
			Subsystem: "pool",
			Name:      "ready",
			Help:      "Ready sandboxes per pool.",
		}, []string{"pool"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enclave",
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Pool evictions by cause.",
		}, []string{"pool", "cause"}),
	}
	if reg != nil {
		reg.MustRegister(m.claimSeconds, m.claims, m.readyGauge, m.evictions)
	}
	return m
}

// Manager owns warm pool lifecycles.
type Manager struct {
	store   statestore.Store
	prov    Provisioner
	auditor *audit.Emitter
	logger  *slog.Logger
	opts    Options
	metrics *metrics
	caps    domain.LimitCaps

	mu           sync.Mutex
	claims       map[string][]time.Time // Claim timestamps per pool, for rate estimation.
	replenishing map[string]bool        // Pools with a replenish pass in flight.

	stopMaintenance context.CancelFunc
}

func New(store statestore.Store, prov Provisioner, auditor *audit.Emitter, logger *slog.Logger, reg prometheus.Registerer, caps domain.LimitCaps, opts Options) *Manager {
	if opts.ClaimGrace == 0 {
		opts.ClaimGrace = 2 * time.Second
	}
	if opts.ClaimPoll == 0 {
		opts.ClaimPoll = 25 * time.Millisecond
	}
	if opts.MaintenanceInterval == 0 {
		opts.MaintenanceInterval = 5 * time.Second
	}
	if opts.RateWindow == 0 {
		opts.RateWindow = time.Minute
	}
	return &Manager{
		store:        store,
		prov:         prov,
		auditor:      auditor,
		logger:       logger,
		opts:         opts,
		metrics:      newMetrics(reg),
		caps:         caps,
		claims:       make(map[string][]time.Time),
		replenishing: make(map[string]bool),
	}
}

// Create validates and registers a pool, then fills it to min_ready.
func (m *Manager) Create(ctx context.Context, cfg domain.WarmPoolConfig) error {
	if err := cfg.Validate(m.caps); err != nil {
		return err
	}
	if _, err := m.store.GetPoolConfig(ctx, cfg.PoolID); err == nil {
		return apierrors.Conflict("pool %s already exists", cfg.PoolID)
	} else if !errors.Is(err, statestore.ErrNotFound) {
		return apierrors.Internal(err)
	}
	if err := m.store.PutPoolConfig(ctx, &cfg); err != nil {
		return apierrors.Internal(err)
	}

	m.auditor.Emit(ctx, audit.Event{
		Type:    audit.TypePoolCreated,
		PoolID:  cfg.PoolID,
		Outcome: "ok",
		Details: map[string]string{"image": cfg.Template.ImageRef},
	})
	m.logger.Info("pool created",
		slog.String("pool_id", cfg.PoolID),
		slog.Int("min_ready", cfg.MinReady),
		slog.Int("max_ready", cfg.MaxReady),
	)
	m.replenish(ctx, &cfg)
	return nil
}

// Get returns a pool's configuration.
func (m *Manager) Get(ctx context.Context, poolID string) (*domain.WarmPoolConfig, error) {
	cfg, err := m.store.GetPoolConfig(ctx, poolID)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, apierrors.PoolNotFound(poolID)
	}
	if err != nil {
		return nil, apierrors.Internal(err)
	}
	return cfg, nil
}

// List returns all pool configurations.
func (m *Manager) List(ctx context.Context) ([]*domain.WarmPoolConfig, error) {
	return m.store.ListPoolConfigs(ctx)
}

// Delete evicts every member and removes the pool.
func (m *Manager) Delete(ctx context.Context, poolID string) error {
	if _, err := m.Get(ctx, poolID); err != nil {
		return err
	}
	members, err := m.store.ListMembers(ctx, poolID, "")
	if err != nil {
		return apierrors.Internal(err)
	}
	for _, member := range members {
		m.evict(ctx, member, "pool_deleted")
	}
	if err := m.store.DeletePoolConfig(ctx, poolID); err != nil {
		return apierrors.Internal(err)
	}
	m.logger.Info("pool deleted", slog.String("pool_id", poolID))
	return nil
}

// Claim hands a ready sandbox to the requester. The fast path is a CAS
// on the oldest ready member; losing a race moves to the next candidate
// rather than failing. An empty pool waits a bounded grace period for
// the replenisher before reporting exhaustion.
func (m *Manager) Claim(ctx context.Context, poolID string, spec domain.SandboxSpec) (*domain.SandboxHandle, error) {
	start := time.Now()
	cfg, err := m.Get(ctx, poolID)
	if err != nil {
		return nil, err
	}

	deadline := start.Add(m.opts.ClaimGrace)
	for {
		handle, err := m.tryClaim(ctx, cfg, spec)
		if err == nil {
			m.recordClaim(poolID)
			m.metrics.claimSeconds.WithLabelValues(poolID).Observe(time.Since(start).Seconds())
			m.metrics.claims.WithLabelValues(poolID, "hit").Inc()
			return handle, nil
		}
		if !apierrors.IsCode(err, apierrors.CodePoolExhausted) {
			m.metrics.claims.WithLabelValues(poolID, "error").Inc()
			return nil, err
		}

		// Pool empty right now; nudge the replenisher and wait briefly.
		go m.replenish(context.WithoutCancel(ctx), cfg)
		if time.Now().After(deadline) {
			m.metrics.claims.WithLabelValues(poolID, "exhausted").Inc()
			return nil, apierrors.PoolExhausted(poolID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.opts.ClaimPoll):
		}
	}
}

// tryClaim makes one pass over the ready members, oldest first.
func (m *Manager) tryClaim(ctx context.Context, cfg *domain.WarmPoolConfig, spec domain.SandboxSpec) (*domain.SandboxHandle, error) {
	ready, err := m.store.ListMembers(ctx, cfg.PoolID, domain.PoolStateReady)
	if err != nil {
		return nil, apierrors.Internal(err)
	}
	for _, candidate := range ready {
		claimed := *candidate
		claimed.State = domain.PoolStateClaimed
		claimed.ClaimedBy = spec.Requester.ID
		if err := m.store.CompareAndSwapMember(ctx, &claimed, candidate.Version); err != nil {
			if errors.Is(err, statestore.ErrVersionConflict) {
				continue // Lost the race; next candidate.
			}
			return nil, apierrors.Internal(err)
		}

		handle, err := m.prov.ClaimPooled(ctx, candidate.SandboxID, spec)
		if err != nil {
			// Binding failed; this member is suspect. Evict it and move on.
			m.logger.Warn("claim binding failed, evicting member",
				slog.String("pool_id", cfg.PoolID),
				slog.String("sandbox_id", candidate.SandboxID.String()),
				slog.String("error", err.Error()),
			)
			m.evict(ctx, &claimed, "claim_failed")
			continue
		}
		return handle, nil
	}
	return nil, apierrors.PoolExhausted(cfg.PoolID)
}

// Release returns a claimed sandbox to its pool. Reusable pools scrub and
// rewarm the sandbox; non-reusable pools terminate it. Replenishment runs
// either way.
func (m *Manager) Release(ctx context.Context, poolID string, sandboxID uuid.UUID) error {
	cfg, err := m.Get(ctx, poolID)
	if err != nil {
		return err
	}
	member, err := m.store.GetMember(ctx, sandboxID)
	if errors.Is(err, statestore.ErrNotFound) {
		return apierrors.SandboxNotFound(sandboxID.String())
	}
	if err != nil {
		return apierrors.Internal(err)
	}
	if member.PoolID != poolID || member.State != domain.PoolStateClaimed {
		return apierrors.Conflict("sandbox %s is not claimed from pool %s", sandboxID, poolID)
	}

	if cfg.Reusable {
		if err := m.prov.RecyclePooled(ctx, sandboxID); err != nil {
			m.evict(ctx, member, "recycle_failed")
			m.replenish(ctx, cfg)
			return nil
		}
		rewarmed := *member
		rewarmed.State = domain.PoolStateReady
		rewarmed.ClaimedBy = ""
		if err := m.store.CompareAndSwapMember(ctx, &rewarmed, member.Version); err != nil {
			m.evict(ctx, member, "rewarm_conflict")
		}
	} else {
		m.evict(ctx, member, "single_use")
	}
	m.replenish(ctx, cfg)
	return nil
}

// Stats derives a point-in-time occupancy snapshot from the state store.
func (m *Manager) Stats(ctx context.Context, poolID string) (*domain.PoolStatistics, error) {
	if _, err := m.Get(ctx, poolID); err != nil {
		return nil, err
	}
	members, err := m.store.ListMembers(ctx, poolID, "")
	if err != nil {
		return nil, apierrors.Internal(err)
	}

	stats := &domain.PoolStatistics{PoolID: poolID, ClaimRate: m.claimRate(poolID)}
	for _, member := range members {
		switch member.State {
		case domain.PoolStateWarming:
			stats.WarmingCount++
		case domain.PoolStateReady:
			stats.ReadyCount++
			if stats.OldestReady.IsZero() || member.CreatedAt.Before(stats.OldestReady) {
				stats.OldestReady = member.CreatedAt
			}
		case domain.PoolStateClaimed:
			stats.ClaimedCount++
		case domain.PoolStateEvicting:
			stats.EvictingCount++
		}
	}
	m.metrics.readyGauge.WithLabelValues(poolID).Set(float64(stats.ReadyCount))
	return stats, nil
}

// evict transitions a member out of circulation through CAS, terminates
// its sandbox, and drops the membership record. Losing the CAS means
// someone else owns the member now, so eviction silently stands down.
func (m *Manager) evict(ctx context.Context, member *domain.PoolMember, cause string) {
	evicting := *member
	evicting.State = domain.PoolStateEvicting
	if err := m.store.CompareAndSwapMember(ctx, &evicting, member.Version); err != nil {
		return
	}
	if err := m.prov.Terminate(ctx, member.SandboxID, manager.ReasonPoolEvicted); err != nil {
		m.logger.Error("evicting member failed",
			slog.String("pool_id", member.PoolID),
			slog.String("sandbox_id", member.SandboxID.String()),
			slog.String("error", err.Error()),
		)
	}
	if err := m.store.DeleteMember(ctx, member.SandboxID); err != nil {
		m.logger.Error("deleting member record failed",
			slog.String("sandbox_id", member.SandboxID.String()),
			slog.String("error", err.Error()),
		)
	}
	m.metrics.evictions.WithLabelValues(member.PoolID, cause).Inc()
	m.auditor.Emit(ctx, audit.Event{
		Type:      audit.TypePoolEvicted,
		SandboxID: member.SandboxID,
		PoolID:    member.PoolID,
		Outcome:   "ok",
		Details:   map[string]string{"cause": cause},
	})
}

func (m *Manager) recordClaim(poolID string) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	window := m.claims[poolID]
	cutoff := now.Add(-m.opts.RateWindow)
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.claims[poolID] = append(kept, now)
}

func (m *Manager) claimRate(poolID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.opts.RateWindow)
	n := 0
	for _, t := range m.claims[poolID] {
		if t.After(cutoff) {
			n++
		}
	}
	return float64(n) / m.opts.RateWindow.Seconds()
}
