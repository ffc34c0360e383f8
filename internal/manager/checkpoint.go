package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/apierrors"
	"github.com/jkaninda/enclave/internal/audit"
	"github.com/jkaninda/enclave/internal/domain"
	"github.com/jkaninda/enclave/internal/statestore"
)

// Checkpoint captures a sandbox's state as a write-once artifact. Only a
// ready sandbox can be checkpointed; on failure it returns to ready, on
// success it enters the checkpointed state and stays suspended until its
// TTL terminates it. Blobs are durably stored before the metadata is
// committed, so a checkpoint that is visible is always restorable.
func (m *Manager) Checkpoint(ctx context.Context, id uuid.UUID) (*domain.CheckpointMetadata, error) {
	ent, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.handle.Status.Phase != domain.PhaseReady {
		return nil, apierrors.Conflict("sandbox %s is %s, checkpoint requires ready", id, ent.handle.Status.Phase)
	}
	if !ent.backend.Capabilities().SupportsCheckpoint {
		return nil, apierrors.Validation("runtime %s does not support checkpointing", ent.handle.Runtime)
	}

	start := time.Now()
	ent.handle.Status.Phase = domain.PhaseCheckpointing

	snap, err := ent.backend.Checkpoint(ctx, id)
	if err != nil {
		ent.handle.Status.Phase = domain.PhaseReady
		return nil, err
	}

	checkpointID := uuid.New()
	saved, err := m.deps.Vault.SaveSnapshot(ctx, checkpointID, snap)
	if err != nil {
		ent.handle.Status.Phase = domain.PhaseReady
		return nil, apierrors.Internal(fmt.Errorf("storing checkpoint blobs: %w", err))
	}

	meta := &domain.CheckpointMetadata{
		ID:             checkpointID,
		SandboxID:      id,
		Identity:       ent.handle.Identity,
		Spec:           ent.spec,
		MemoryHash:     saved.MemoryHash,
		FilesystemHash: saved.FilesystemHash,
		MemoryKey:      saved.MemoryKey,
		FilesystemKey:  saved.FilesystemKey,
		CreatedAt:      time.Now().UTC(),
	}
	meta.ExpiresAt = meta.CreatedAt.Add(m.opts.CheckpointRetention)
	if err := m.deps.Store.PutCheckpoint(ctx, meta); err != nil {
		// Metadata failed; the blobs must not remain addressable.
		if derr := m.deps.Vault.Discard(ctx, checkpointID); derr != nil {
			m.deps.Logger.Error("orphaned checkpoint blobs",
				slog.String("checkpoint_id", checkpointID.String()),
				slog.String("error", derr.Error()),
			)
		}
		ent.handle.Status.Phase = domain.PhaseReady
		return nil, apierrors.Internal(fmt.Errorf("committing checkpoint metadata: %w", err))
	}

	ent.handle.Status.Phase = domain.PhaseCheckpointed
	if err := m.deps.Store.PutSandbox(ctx, &statestore.SandboxRecord{
		ID:      id,
		Spec:    ent.spec,
		Runtime: ent.handle.Runtime,
		Phase:   domain.PhaseCheckpointed,
		PoolID:  ent.poolID,
	}); err != nil {
		m.deps.Logger.Error("persisting checkpointed record failed",
			slog.String("sandbox_id", id.String()),
			slog.String("error", err.Error()),
		)
	}

	m.deps.Metrics.CheckpointSeconds.Observe(time.Since(start).Seconds())
	m.deps.Audit.Emit(ctx, audit.Event{
		Type:      audit.TypeCheckpointCreated,
		SandboxID: id,
		Identity:  ent.handle.Identity.ID,
		Outcome:   "ok",
		Details:   map[string]string{"checkpoint_id": checkpointID.String()},
	})
	m.deps.Logger.Info("checkpoint created",
		slog.String("sandbox_id", id.String()),
		slog.String("checkpoint_id", checkpointID.String()),
		slog.Duration("took", time.Since(start)),
	)
	return meta, nil
}

// Restore provisions a new sandbox from a checkpoint. The restored
// sandbox gets a new identity-bound id and a fresh attestation; the
// audit trail links it to the checkpoint it came from. The original
// sandbox, if still live, is unaffected.
func (m *Manager) Restore(ctx context.Context, checkpointID uuid.UUID) (*domain.SandboxHandle, error) {
	meta, err := m.deps.Store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, apierrors.CheckpointNotFound(checkpointID.String())
		}
		return nil, apierrors.Internal(err)
	}
	if !meta.ExpiresAt.IsZero() && time.Now().After(meta.ExpiresAt) {
		return nil, apierrors.CheckpointNotFound(checkpointID.String()).WithDetail("reason", "expired")
	}

	be, err := m.deps.Backends.Select(meta.Spec.Runtime)
	if err != nil {
		return nil, apierrors.BackendUnavailable("no backend for runtime %s", meta.Spec.Runtime).WithCause(err)
	}

	snap, err := m.deps.Vault.LoadSnapshot(ctx, meta.MemoryKey, meta.FilesystemKey, meta.MemoryHash, meta.FilesystemHash)
	if err != nil {
		return nil, apierrors.Internal(fmt.Errorf("loading checkpoint blobs: %w", err))
	}

	img, err := m.deps.Images.Pull(ctx, meta.Spec.ImageRef)
	if err != nil {
		return nil, err
	}

	bundle, err := m.deps.Secrets.ResolveAll(ctx, meta.Identity, meta.Spec.Secrets)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	if err := be.Restore(ctx, id, meta.Spec, snap, m.guestEnv(id, meta.Identity, meta.Spec.Network, bundle.Env())); err != nil {
		m.releaseEgress(id)
		bundle.ZeroAll()
		m.recordFailed(ctx, id, meta.Spec, "", err)
		return nil, err
	}
	if err := m.deps.Identity.BindIdentity(ctx, id, meta.Identity); err != nil {
		m.rollbackSpawn(ctx, be, id, meta.Spec, bundle, err)
		return nil, apierrors.Internal(fmt.Errorf("binding identity: %w", err))
	}

	att, err := m.attest(ctx, be, id, meta.Spec, img)
	if err != nil {
		m.rollbackSpawn(ctx, be, id, meta.Spec, bundle, err)
		return nil, err
	}

	now := time.Now().UTC()
	ent := &entry{
		handle: domain.SandboxHandle{
			ID:          id,
			Identity:    meta.Identity,
			Runtime:     meta.Spec.Runtime,
			Attestation: att,
			Status:      domain.Status{Phase: domain.PhaseReady},
			CreatedAt:   now,
		},
		spec:       meta.Spec,
		backend:    be,
		bundle:     bundle,
		image:      img,
		lastActive: now,
	}
	if err := m.deps.Store.PutSandbox(ctx, &statestore.SandboxRecord{
		ID:      id,
		Spec:    meta.Spec,
		Runtime: meta.Spec.Runtime,
		Phase:   domain.PhaseReady,
	}); err != nil {
		m.rollbackSpawn(ctx, be, id, meta.Spec, bundle, err)
		return nil, apierrors.Internal(fmt.Errorf("persisting sandbox record: %w", err))
	}

	m.register(ent)
	m.startWatcher(ent)
	m.deps.Metrics.Restores.Inc()
	m.deps.Audit.Emit(ctx, audit.Event{
		Type:      audit.TypeSandboxRestored,
		SandboxID: id,
		Identity:  meta.Identity.ID,
		Outcome:   "ok",
		Details: map[string]string{
			"checkpoint_id":  checkpointID.String(),
			"source_sandbox": meta.SandboxID.String(),
		},
	})
	m.deps.Logger.Info("sandbox restored",
		slog.String("sandbox_id", id.String()),
		slog.String("checkpoint_id", checkpointID.String()),
	)

	handle := ent.handle
	return &handle, nil
}

// ListCheckpoints returns checkpoint metadata for a sandbox, oldest
// first. The sandbox need not be live.
func (m *Manager) ListCheckpoints(ctx context.Context, sandboxID uuid.UUID) ([]*domain.CheckpointMetadata, error) {
	return m.deps.Store.ListCheckpoints(ctx, sandboxID)
}
