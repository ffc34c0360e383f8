package pool

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/enclave/internal/domain"
)

// Start launches the background maintenance schedule: replenishment,
// autoscaling, and eviction for every pool. Returns a stop function.
func (m *Manager) Start(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	m.stopMaintenance = cancel

	c := cron.New()
	spec := fmt.Sprintf("@every %s", m.opts.MaintenanceInterval)
	if _, err := c.AddFunc(spec, func() { m.maintain(ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("scheduling pool maintenance: %w", err)
	}
	c.Start()

	m.logger.Info("pool maintenance started",
		slog.String("interval", m.opts.MaintenanceInterval.String()),
	)
	return func() {
		cancel()
		<-c.Stop().Done()
	}, nil
}

// maintain runs one maintenance cycle over every pool.
func (m *Manager) maintain(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cfgs, err := m.store.ListPoolConfigs(ctx)
	if err != nil {
		m.logger.Error("listing pools for maintenance", slog.String("error", err.Error()))
		return
	}
	for _, cfg := range cfgs {
		m.evictAged(ctx, cfg)
		m.evictExcess(ctx, cfg)
		m.replenish(ctx, cfg)
	}
}

// desired computes the target ready count. Without autoscaling it is
// min_ready; with it, recent claim rate times the headroom factor,
// clamped into [min_ready, max_ready].
func (m *Manager) desired(cfg *domain.WarmPoolConfig) int {
	target := cfg.MinReady
	if cfg.Autoscale != nil {
		scaled := int(math.Ceil(m.claimRate(cfg.PoolID) * cfg.Autoscale.HeadroomFactor * m.opts.RateWindow.Seconds()))
		if scaled > target {
			target = scaled
		}
	}
	if target > cfg.MaxReady {
		target = cfg.MaxReady
	}
	return target
}

// replenish spawns members until warming+ready reaches the desired
// count. Each member is recorded as warming before its sandbox exists,
// then flipped to ready by CAS once the spawn completes, so a crash
// mid-spawn leaves a warming record the next cycle can reconcile.
// At most one pass runs per pool at a time; the claim path nudges a
// replenish on every empty poll, and concurrent passes would each see
// the same shortfall and overshoot the target together.
func (m *Manager) replenish(ctx context.Context, cfg *domain.WarmPoolConfig) {
	m.mu.Lock()
	if m.replenishing[cfg.PoolID] {
		m.mu.Unlock()
		return
	}
	m.replenishing[cfg.PoolID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.replenishing, cfg.PoolID)
		m.mu.Unlock()
	}()

	members, err := m.store.ListMembers(ctx, cfg.PoolID, "")
	if err != nil {
		m.logger.Error("listing members for replenish",
			slog.String("pool_id", cfg.PoolID),
			slog.String("error", err.Error()),
		)
		return
	}
	available := 0
	for _, member := range members {
		if member.State == domain.PoolStateWarming || member.State == domain.PoolStateReady {
			available++
		}
	}

	target := m.desired(cfg)
	for i := available; i < target; i++ {
		if err := m.spawnMember(ctx, cfg); err != nil {
			m.logger.Error("replenishing pool failed",
				slog.String("pool_id", cfg.PoolID),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

func (m *Manager) spawnMember(ctx context.Context, cfg *domain.WarmPoolConfig) error {
	id, err := m.prov.SpawnPooled(ctx, cfg.PoolID, cfg.Template)
	if err != nil {
		return err
	}
	member := &domain.PoolMember{
		PoolID:    cfg.PoolID,
		SandboxID: id,
		State:     domain.PoolStateWarming,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.InsertMember(ctx, member); err != nil {
		_ = m.prov.Terminate(ctx, id, "pool_insert_failed")
		return err
	}

	ready := *member
	ready.State = domain.PoolStateReady
	if err := m.store.CompareAndSwapMember(ctx, &ready, member.Version); err != nil {
		m.evict(ctx, member, "warmup_conflict")
		return err
	}
	return nil
}

// evictAged removes ready members older than the pool's max age,
// oldest first.
func (m *Manager) evictAged(ctx context.Context, cfg *domain.WarmPoolConfig) {
	if cfg.MaxAge <= 0 {
		return
	}
	ready, err := m.store.ListMembers(ctx, cfg.PoolID, domain.PoolStateReady)
	if err != nil {
		return
	}
	cutoff := time.Now().UTC().Add(-cfg.MaxAge)
	for _, member := range ready {
		if member.CreatedAt.After(cutoff) {
			break // Oldest first; the rest are younger.
		}
		m.evict(ctx, member, "max_age")
	}
}

// evictExcess shrinks a pool that overshot demand. Shrinking starts only
// past twice the desired count to avoid thrashing around the target, and
// removes the oldest ready members down to desired.
func (m *Manager) evictExcess(ctx context.Context, cfg *domain.WarmPoolConfig) {
	ready, err := m.store.ListMembers(ctx, cfg.PoolID, domain.PoolStateReady)
	if err != nil {
		return
	}
	target := m.desired(cfg)
	if len(ready) <= 2*target {
		return
	}
	for _, member := range ready[:len(ready)-target] {
		m.evict(ctx, member, "excess")
	}
}
