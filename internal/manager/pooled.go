package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/apierrors"
	"github.com/jkaninda/enclave/internal/audit"
	"github.com/jkaninda/enclave/internal/domain"
	"github.com/jkaninda/enclave/internal/policy"
	"github.com/jkaninda/enclave/internal/statestore"
)

// Pooled sandboxes are spawned ahead of demand without a bound identity.
// Identity binding, secret injection, and attestation all happen at claim
// time; until then the sandbox idles with no requester, no secrets, and
// no TTL clock.

// SpawnPooled provisions an identity-unbound sandbox for a warm pool.
// No attestation is generated and no lifecycle watcher runs; the pool
// owns eviction until the sandbox is claimed.
func (m *Manager) SpawnPooled(ctx context.Context, poolID string, template domain.SandboxSpec) (uuid.UUID, error) {
	be, err := m.deps.Backends.Select(template.Runtime)
	if err != nil {
		return uuid.Nil, apierrors.BackendUnavailable("no backend for runtime %s", template.Runtime).WithCause(err)
	}
	img, err := m.deps.Images.Pull(ctx, template.ImageRef)
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	if err := be.Spawn(ctx, id, template, img.Rootfs, m.guestEnv(id, domain.Identity{}, template.Network, nil)); err != nil {
		m.releaseEgress(id)
		m.recordFailed(ctx, id, template, poolID, err)
		return uuid.Nil, err
	}

	now := time.Now().UTC()
	ent := &entry{
		handle: domain.SandboxHandle{
			ID:        id,
			Runtime:   template.Runtime,
			Status:    domain.Status{Phase: domain.PhaseReady},
			CreatedAt: now,
		},
		spec:       template,
		backend:    be,
		bundle:     nil,
		image:      img,
		poolID:     poolID,
		lastActive: now,
	}
	if err := m.deps.Store.PutSandbox(ctx, &statestore.SandboxRecord{
		ID:      id,
		Spec:    template,
		Runtime: template.Runtime,
		Phase:   domain.PhaseReady,
		PoolID:  poolID,
	}); err != nil {
		_ = be.Terminate(ctx, id)
		return uuid.Nil, apierrors.Internal(fmt.Errorf("persisting pooled sandbox record: %w", err))
	}
	m.register(ent)

	m.deps.Logger.Debug("pooled sandbox spawned",
		slog.String("sandbox_id", id.String()),
		slog.String("pool_id", poolID),
	)
	return id, nil
}

// ClaimPooled binds a claimed pool sandbox to its requester: policy
// check, secret injection onto a clean working layer, identity binding,
// and a fresh attestation. On any failure the sandbox is left unclaimed
// with no secret material; the pool evicts the member rather than
// reoffering it.
func (m *Manager) ClaimPooled(ctx context.Context, id uuid.UUID, spec domain.SandboxSpec) (*domain.SandboxHandle, error) {
	if err := spec.Validate(m.opts.Caps); err != nil {
		return nil, err
	}
	ent, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	decision, err := m.deps.Policy.Check(ctx, spec.Requester.ID, policy.ActionSpawnSandbox, spec.ImageRef)
	if err != nil || decision != policy.Allow {
		return nil, apierrors.Authorization("identity %s may not claim from %s", spec.Requester.ID, spec.ImageRef)
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.poolID == "" {
		return nil, apierrors.Conflict("sandbox %s is not a pool member", id)
	}
	if ent.handle.Identity.ID != "" {
		return nil, apierrors.Conflict("sandbox %s is already bound to %s", id, ent.handle.Identity.ID)
	}

	bundle, err := m.deps.Secrets.ResolveAll(ctx, spec.Requester, spec.Secrets)
	if err != nil {
		return nil, err
	}
	// Reset provisions a clean working layer carrying the claimant's
	// secrets and proxy credential, so nothing from the warming period
	// leaks into the claim.
	if err := ent.backend.Reset(ctx, id, m.guestEnv(id, spec.Requester, spec.Network, bundle.Env())); err != nil {
		bundle.ZeroAll()
		return nil, err
	}
	if err := m.deps.Identity.BindIdentity(ctx, id, spec.Requester); err != nil {
		bundle.ZeroAll()
		return nil, apierrors.Internal(fmt.Errorf("binding identity: %w", err))
	}

	att, err := m.attest(ctx, ent.backend, id, spec, ent.image)
	if err != nil {
		bundle.ZeroAll()
		return nil, err
	}

	now := time.Now().UTC()
	ent.spec = spec
	ent.bundle = bundle
	ent.handle.Identity = spec.Requester
	ent.handle.Attestation = att
	ent.handle.Status = domain.Status{Phase: domain.PhaseReady}
	ent.handle.CreatedAt = now // The TTL clock starts at claim.
	ent.lastActive = now
	m.startWatcher(ent)

	if err := m.deps.Store.PutSandbox(ctx, &statestore.SandboxRecord{
		ID:      id,
		Spec:    spec,
		Runtime: spec.Runtime,
		Phase:   domain.PhaseReady,
		PoolID:  ent.poolID,
	}); err != nil {
		m.deps.Logger.Error("persisting claimed record failed",
			slog.String("sandbox_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
	m.deps.Audit.Emit(ctx, audit.Event{
		Type:      audit.TypePoolClaimed,
		SandboxID: id,
		PoolID:    ent.poolID,
		Identity:  spec.Requester.ID,
		Outcome:   "ok",
	})

	handle := ent.handle
	return &handle, nil
}

// RecyclePooled returns a released sandbox to the unbound pool state:
// secrets zeroed synchronously, working layer discarded and
// re-provisioned, identity and attestation cleared. After recycle the
// sandbox is indistinguishable from a freshly warmed one.
func (m *Manager) RecyclePooled(ctx context.Context, id uuid.UUID) error {
	ent, err := m.lookup(id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.poolID == "" {
		return apierrors.Conflict("sandbox %s is not a pool member", id)
	}
	if ent.cancelWatch != nil {
		ent.cancelWatch()
		ent.cancelWatch = nil
	}

	ent.bundle.ZeroAll()
	ent.bundle = nil
	// The recycled member keeps egress enforcement but loses the prior
	// claimant's credential and cached decisions.
	if err := ent.backend.Reset(ctx, id, m.guestEnv(id, domain.Identity{}, ent.spec.Network, nil)); err != nil {
		return err
	}
	if m.deps.Egress != nil {
		m.deps.Egress.InvalidateSandbox(id)
	}

	prior := ent.handle.Identity.ID
	now := time.Now().UTC()
	ent.handle.Identity = domain.Identity{}
	ent.handle.Attestation = nil
	ent.handle.Status = domain.Status{Phase: domain.PhaseReady}
	ent.handle.CreatedAt = now
	ent.lastActive = now

	if err := m.deps.Store.PutSandbox(ctx, &statestore.SandboxRecord{
		ID:      id,
		Spec:    ent.spec,
		Runtime: ent.handle.Runtime,
		Phase:   domain.PhaseReady,
		PoolID:  ent.poolID,
	}); err != nil {
		m.deps.Logger.Error("persisting recycled record failed",
			slog.String("sandbox_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
	m.deps.Audit.Emit(ctx, audit.Event{
		Type:      audit.TypePoolReleased,
		SandboxID: id,
		PoolID:    ent.poolID,
		Identity:  prior,
		Outcome:   "ok",
	})
	return nil
}
