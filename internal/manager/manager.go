// Package manager owns the sandbox lifecycle: spawn, exec, checkpoint,
// restore, and terminate. Every state transition for a sandbox flows
// through its registry entry, whose lock is the per-sandbox
// serialization point: two operations on the same sandbox never
// interleave, and operations on different sandboxes never contend.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/apierrors"
	"github.com/jkaninda/enclave/internal/attestation"
	"github.com/jkaninda/enclave/internal/audit"
	"github.com/jkaninda/enclave/internal/backend"
	"github.com/jkaninda/enclave/internal/checkpoint"
	"github.com/jkaninda/enclave/internal/domain"
	"github.com/jkaninda/enclave/internal/egress"
	"github.com/jkaninda/enclave/internal/identity"
	"github.com/jkaninda/enclave/internal/imagesource"
	"github.com/jkaninda/enclave/internal/policy"
	"github.com/jkaninda/enclave/internal/secrets"
	"github.com/jkaninda/enclave/internal/statestore"
)

// Deps wires the manager's collaborators.
type Deps struct {
	Backends *backend.Registry
	Images   imagesource.Source
	Store    statestore.Store
	Secrets  *secrets.Resolver
	Identity identity.Client
	Policy   policy.Checker
	Attest   *attestation.Service
	Vault    *checkpoint.Vault
	Egress   *egress.Controller
	// EgressProxy is the enforcement listener guests are pointed at. Nil
	// disables interception wiring; backends then provide no network
	// route at all.
	EgressProxy *egress.Proxy
	Audit       *audit.Emitter
	Logger      *slog.Logger
	Metrics     *Metrics
}

// Options tunes manager behavior.
type Options struct {
	Caps domain.LimitCaps
	// AttestationTTL bounds attestation validity. 0 = 24h.
	AttestationTTL time.Duration
	// TerminateTimeout bounds backend teardown on watcher-driven
	// terminations. 0 = 30s.
	TerminateTimeout time.Duration
	// CheckpointRetention bounds how long checkpoints stay restorable.
	// 0 = 7 days.
	CheckpointRetention time.Duration
}

// entry is the registry record for one live sandbox. Its mutex serializes
// all operations on the sandbox.
type entry struct {
	mu sync.Mutex

	handle  domain.SandboxHandle
	spec    domain.SandboxSpec
	backend backend.Backend
	bundle  *secrets.Bundle
	image   *imagesource.Image
	poolID  string

	lastActive  time.Time
	cancelWatch context.CancelFunc
}

// Manager is the sandbox lifecycle authority.
type Manager struct {
	deps Deps
	opts Options

	mu       sync.RWMutex
	registry map[uuid.UUID]*entry
}

func New(deps Deps, opts Options) *Manager {
	if opts.AttestationTTL == 0 {
		opts.AttestationTTL = 24 * time.Hour
	}
	if opts.TerminateTimeout == 0 {
		opts.TerminateTimeout = 30 * time.Second
	}
	if opts.CheckpointRetention == 0 {
		opts.CheckpointRetention = 7 * 24 * time.Hour
	}
	return &Manager{
		deps:     deps,
		opts:     opts,
		registry: make(map[uuid.UUID]*entry),
	}
}

// Spawn provisions a new sandbox from spec and returns its handle with a
// fresh attestation. Each provisioning step that succeeds is undone in
// reverse order if a later step fails; a failed spawn leaves no backend
// instance, no live secrets, and no registry entry behind.
func (m *Manager) Spawn(ctx context.Context, spec domain.SandboxSpec) (*domain.SandboxHandle, error) {
	start := time.Now()
	if err := spec.Validate(m.opts.Caps); err != nil {
		return nil, err
	}

	decision, err := m.deps.Policy.Check(ctx, spec.Requester.ID, policy.ActionSpawnSandbox, spec.ImageRef)
	if err != nil || decision != policy.Allow {
		return nil, apierrors.Authorization("identity %s may not spawn from %s", spec.Requester.ID, spec.ImageRef)
	}

	be, err := m.deps.Backends.Select(spec.Runtime)
	if err != nil {
		return nil, apierrors.BackendUnavailable("no backend for runtime %s", spec.Runtime).WithCause(err)
	}

	img, err := m.deps.Images.Pull(ctx, spec.ImageRef)
	if err != nil {
		return nil, err
	}

	bundle, err := m.deps.Secrets.ResolveAll(ctx, spec.Requester, spec.Secrets)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	if err := be.Spawn(ctx, id, spec, img.Rootfs, m.guestEnv(id, spec.Requester, spec.Network, bundle.Env())); err != nil {
		m.releaseEgress(id)
		bundle.ZeroAll()
		m.recordFailed(ctx, id, spec, "", err)
		return nil, err
	}

	if err := m.deps.Identity.BindIdentity(ctx, id, spec.Requester); err != nil {
		m.rollbackSpawn(ctx, be, id, spec, bundle, err)
		return nil, apierrors.Internal(fmt.Errorf("binding identity: %w", err))
	}

	att, err := m.attest(ctx, be, id, spec, img)
	if err != nil {
		m.rollbackSpawn(ctx, be, id, spec, bundle, err)
		return nil, err
	}

	now := time.Now().UTC()
	ent := &entry{
		handle: domain.SandboxHandle{
			ID:          id,
			Identity:    spec.Requester,
			Runtime:     spec.Runtime,
			Attestation: att,
			Status:      domain.Status{Phase: domain.PhaseReady},
			CreatedAt:   now,
		},
		spec:       spec,
		backend:    be,
		bundle:     bundle,
		image:      img,
		lastActive: now,
	}

	if err := m.deps.Store.PutSandbox(ctx, &statestore.SandboxRecord{
		ID:      id,
		Spec:    spec,
		Runtime: spec.Runtime,
		Phase:   domain.PhaseReady,
	}); err != nil {
		m.rollbackSpawn(ctx, be, id, spec, bundle, err)
		return nil, apierrors.Internal(fmt.Errorf("persisting sandbox record: %w", err))
	}

	m.register(ent)
	m.startWatcher(ent)

	m.deps.Metrics.SpawnSeconds.WithLabelValues(string(spec.Runtime)).Observe(time.Since(start).Seconds())
	m.deps.Audit.Emit(ctx, audit.Event{
		Type:      audit.TypeSandboxSpawned,
		SandboxID: id,
		Identity:  spec.Requester.ID,
		Outcome:   "ok",
		Details: map[string]string{
			"image":   spec.ImageRef,
			"runtime": string(spec.Runtime),
		},
	})
	m.deps.Logger.Info("sandbox spawned",
		slog.String("sandbox_id", id.String()),
		slog.String("runtime", string(spec.Runtime)),
		slog.String("image", spec.ImageRef),
		slog.Duration("took", time.Since(start)),
	)

	handle := ent.handle
	return &handle, nil
}

// rollbackSpawn tears down a partially provisioned sandbox: backend
// instance first, then secret material. The failure is persisted so the
// durable record shows why provisioning stopped.
func (m *Manager) rollbackSpawn(ctx context.Context, be backend.Backend, id uuid.UUID, spec domain.SandboxSpec, bundle *secrets.Bundle, cause error) {
	if err := be.Terminate(ctx, id); err != nil {
		m.deps.Logger.Error("spawn rollback: backend teardown failed",
			slog.String("sandbox_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
	m.releaseEgress(id)
	bundle.ZeroAll()
	m.recordFailed(ctx, id, spec, "", cause)
}

// recordFailed persists a failed-phase record for a sandbox that never
// reached (or can no longer reach) a live state.
func (m *Manager) recordFailed(ctx context.Context, id uuid.UUID, spec domain.SandboxSpec, poolID string, cause error) {
	if err := m.deps.Store.PutSandbox(ctx, &statestore.SandboxRecord{
		ID:      id,
		Spec:    spec,
		Runtime: spec.Runtime,
		Phase:   domain.PhaseFailed,
		Reason:  cause.Error(),
		PoolID:  poolID,
	}); err != nil {
		m.deps.Logger.Error("persisting failed record",
			slog.String("sandbox_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// guestEnv composes the environment injected into a sandbox: resolved
// secrets plus the proxy credential that makes the egress controller the
// sandbox's only route out.
func (m *Manager) guestEnv(id uuid.UUID, requester domain.Identity, pol domain.NetworkPolicy, secretEnv map[string]string) map[string]string {
	if m.deps.EgressProxy == nil {
		return secretEnv
	}
	proxyEnv := m.deps.EgressProxy.Attach(id, requester, pol)
	env := make(map[string]string, len(secretEnv)+len(proxyEnv))
	for k, v := range secretEnv {
		env[k] = v
	}
	for k, v := range proxyEnv {
		env[k] = v
	}
	return env
}

// releaseEgress revokes the sandbox's proxy credential and cached egress
// decisions.
func (m *Manager) releaseEgress(id uuid.UUID) {
	if m.deps.EgressProxy != nil {
		m.deps.EgressProxy.Detach(id)
		return
	}
	if m.deps.Egress != nil {
		m.deps.Egress.InvalidateSandbox(id)
	}
}

// failSandbox moves a live sandbox to the failed state: the watcher
// stops, secret material is zeroed, and the registry entry is removed,
// so the failure is terminal for callers and durable in the store.
// Called with ent.mu held.
func (m *Manager) failSandbox(ctx context.Context, ent *entry, cause error) {
	id := ent.handle.ID
	if ent.cancelWatch != nil {
		ent.cancelWatch()
	}
	if err := ent.backend.Terminate(ctx, id); err != nil {
		m.deps.Logger.Error("failed sandbox teardown",
			slog.String("sandbox_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
	ent.bundle.ZeroAll()
	ent.handle.Status = domain.Status{Phase: domain.PhaseFailed, Reason: cause.Error()}
	m.unregister(id, ent.handle.Runtime)
	m.releaseEgress(id)
	m.recordFailed(ctx, id, ent.spec, ent.poolID, cause)

	m.deps.Metrics.Terminations.WithLabelValues(ReasonBackendFailure).Inc()
	m.deps.Audit.Emit(ctx, audit.Event{
		Type:      audit.TypeSandboxTerminated,
		SandboxID: id,
		Identity:  ent.handle.Identity.ID,
		Outcome:   "error",
		Details:   map[string]string{"reason": cause.Error()},
	})
	m.deps.Logger.Error("sandbox failed",
		slog.String("sandbox_id", id.String()),
		slog.String("error", cause.Error()),
	)
}

// attest gathers evidence from the backend and issues a signed
// attestation for the sandbox.
func (m *Manager) attest(ctx context.Context, be backend.Backend, id uuid.UUID, spec domain.SandboxSpec, img *imagesource.Image) (*domain.Attestation, error) {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, apierrors.Internal(fmt.Errorf("encoding spec: %w", err))
	}

	var fsHash []byte
	if root := be.FilesystemDigestRoot(id); root != "" {
		fsHash, err = attestation.HashDirectory(root)
		if err != nil {
			return nil, apierrors.Internal(fmt.Errorf("hashing filesystem: %w", err))
		}
	}

	evidence, err := be.PlatformEvidence(ctx, id)
	if err != nil {
		return nil, apierrors.Internal(fmt.Errorf("gathering platform evidence: %w", err))
	}

	att, err := m.deps.Attest.Generate(attestation.Input{
		SandboxID:        id,
		Identity:         spec.Requester,
		DelegationChain:  spec.DelegationChain,
		ImageHash:        img.Digest,
		ConfigHash:       attestation.HashBytes(specJSON),
		FilesystemHash:   fsHash,
		PlatformTag:      be.Capabilities().PlatformTag,
		PlatformEvidence: evidence,
		TTL:              m.opts.AttestationTTL,
	})
	if err != nil {
		return nil, apierrors.Internal(fmt.Errorf("generating attestation: %w", err))
	}
	return att, nil
}

// Exec runs a command in the sandbox. Execution serializes with all
// other operations on the same sandbox and refreshes the idle clock.
func (m *Manager) Exec(ctx context.Context, id uuid.UUID, req backend.ExecRequest) (*backend.ExecResult, error) {
	ent, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.handle.Status.Phase != domain.PhaseReady {
		return nil, apierrors.Conflict("sandbox %s is %s, not ready", id, ent.handle.Status.Phase)
	}

	ent.handle.Status.Phase = domain.PhaseRunning
	start := time.Now()
	res, execErr := ent.backend.Exec(ctx, id, req)
	if execErr != nil && apierrors.IsCode(execErr, apierrors.CodeBackendDown) {
		m.failSandbox(ctx, ent, execErr)
	} else {
		ent.handle.Status.Phase = domain.PhaseReady
	}
	if execErr == nil {
		// A failed exec does not refresh the idle clock.
		ent.lastActive = time.Now().UTC()
	}

	m.deps.Metrics.ExecSeconds.Observe(time.Since(start).Seconds())
	outcome := "ok"
	if execErr != nil {
		outcome = "error"
	}
	m.deps.Audit.Emit(ctx, audit.Event{
		Type:      audit.TypeSandboxExec,
		SandboxID: id,
		Identity:  ent.handle.Identity.ID,
		Outcome:   outcome,
	})
	return res, execErr
}

// Get returns the handle for a live sandbox.
func (m *Manager) Get(_ context.Context, id uuid.UUID) (*domain.SandboxHandle, error) {
	ent, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	handle := ent.handle
	return &handle, nil
}

// List returns handles for all live sandboxes.
func (m *Manager) List(_ context.Context) []*domain.SandboxHandle {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.registry))
	for _, ent := range m.registry {
		entries = append(entries, ent)
	}
	m.mu.RUnlock()

	handles := make([]*domain.SandboxHandle, 0, len(entries))
	for _, ent := range entries {
		ent.mu.Lock()
		handle := ent.handle
		ent.mu.Unlock()
		handles = append(handles, &handle)
	}
	return handles
}

// Terminate tears a sandbox down. Secret material is zeroed
// synchronously before the registry entry is removed, so no later
// operation can observe a terminated sandbox with live secrets.
// Terminating an unknown sandbox is not an error.
func (m *Manager) Terminate(ctx context.Context, id uuid.UUID, reason string) error {
	ent, err := m.lookup(id)
	if err != nil {
		return nil // Idempotent.
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.handle.Status.Phase.Terminal() {
		return nil
	}
	ent.handle.Status = domain.Status{Phase: domain.PhaseTerminating, Reason: reason}
	if ent.cancelWatch != nil {
		ent.cancelWatch()
	}

	termErr := ent.backend.Terminate(ctx, id)

	ent.bundle.ZeroAll()
	status := domain.Status{Phase: domain.PhaseTerminated, Reason: reason}
	if termErr != nil {
		// Teardown did not complete; the record must say so rather than
		// claim a clean termination.
		status = domain.Status{Phase: domain.PhaseFailed, Reason: termErr.Error()}
	}
	ent.handle.Status = status
	m.unregister(id, ent.handle.Runtime)

	m.releaseEgress(id)
	if err := m.deps.Store.PutSandbox(ctx, &statestore.SandboxRecord{
		ID:      id,
		Spec:    ent.spec,
		Runtime: ent.handle.Runtime,
		Phase:   status.Phase,
		Reason:  status.Reason,
		PoolID:  ent.poolID,
	}); err != nil {
		m.deps.Logger.Error("persisting terminated record failed",
			slog.String("sandbox_id", id.String()),
			slog.String("error", err.Error()),
		)
	}

	outcome := "ok"
	if termErr != nil {
		outcome = "error"
	}
	m.deps.Metrics.Terminations.WithLabelValues(terminationCause(reason)).Inc()
	m.deps.Audit.Emit(ctx, audit.Event{
		Type:      audit.TypeSandboxTerminated,
		SandboxID: id,
		Identity:  ent.handle.Identity.ID,
		Outcome:   outcome,
		Details:   map[string]string{"reason": reason},
	})
	m.deps.Logger.Info("sandbox terminated",
		slog.String("sandbox_id", id.String()),
		slog.String("reason", reason),
	)
	return termErr
}

func terminationCause(reason string) string {
	switch reason {
	case ReasonTTLExpired, ReasonIdleTimeout, ReasonRequested, ReasonPoolEvicted, ReasonBackendFailure:
		return reason
	default:
		return "other"
	}
}

// Termination reasons surfaced in status, audit, and metrics.
const (
	ReasonRequested      = "requested"
	ReasonTTLExpired     = "ttl_expired"
	ReasonIdleTimeout    = "idle_timeout"
	ReasonPoolEvicted    = "pool_evicted"
	ReasonBackendFailure = "backend_failure"
)

func (m *Manager) lookup(id uuid.UUID) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ent, ok := m.registry[id]
	if !ok {
		return nil, apierrors.SandboxNotFound(id.String())
	}
	return ent, nil
}

func (m *Manager) register(ent *entry) {
	m.mu.Lock()
	m.registry[ent.handle.ID] = ent
	m.mu.Unlock()
	m.deps.Metrics.ActiveSandboxes.WithLabelValues(string(ent.handle.Runtime)).Inc()
}

func (m *Manager) unregister(id uuid.UUID, runtime domain.RuntimeClass) {
	m.mu.Lock()
	delete(m.registry, id)
	m.mu.Unlock()
	m.deps.Metrics.ActiveSandboxes.WithLabelValues(string(runtime)).Dec()
}

// Close terminates all live sandboxes, used on daemon shutdown.
func (m *Manager) Close(ctx context.Context) {
	for _, handle := range m.List(ctx) {
		if err := m.Terminate(ctx, handle.ID, ReasonRequested); err != nil {
			m.deps.Logger.Error("shutdown terminate failed",
				slog.String("sandbox_id", handle.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
