package manager

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

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

const testImageRef = "registry.local/base:1"

type harness struct {
	manager *Manager
	store   statestore.Store
	audit   *audit.MemoryRecorder
	idents  *identity.Static
	proxy   *egress.Proxy
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithBackend(t, nil)
}

// newHarnessWithBackend builds a manager over the given backend; nil
// means a real user-space-kernel backend.
func newHarnessWithBackend(t *testing.T, be backend.Backend) *harness {
	t.Helper()
	logger := testLogger()

	imageBase := t.TempDir()
	imageDir := filepath.Join(imageBase, "registry.local_base_1")
	if err := os.MkdirAll(imageDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(imageDir, "README"), []byte("base image\n"), 0644); err != nil {
		t.Fatal(err)
	}

	keyring, err := attestation.NewKeyring(0)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	blobs, err := checkpoint.NewFSStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	store := statestore.NewMemory()
	rec := audit.NewMemoryRecorder()
	idents := identity.NewStatic(map[string][]byte{"db-password": []byte("hunter2")})
	checker := policy.NewStaticChecker([]policy.Rule{
		{Principal: "agent-1", Action: policy.ActionSpawnSandbox, ResourcePrefix: "registry.local/", Effect: "allow"},
	})

	if be == nil {
		be = backend.NewUSKernel(backend.USKernelConfig{BaseDir: t.TempDir()}, logger)
	}
	egressCtrl := egress.NewController(checker, audit.NewEmitter(rec, logger), logger, prometheus.NewRegistry(), egress.Options{})
	proxy := egress.NewProxy(egressCtrl, logger)
	if err := proxy.Start(""); err != nil {
		t.Fatalf("proxy Start: %v", err)
	}
	t.Cleanup(func() { proxy.Stop(context.Background()) })

	m := New(Deps{
		Backends:    backend.NewRegistry(be),
		Images:      imagesource.NewLocalStore(imageBase, logger),
		Store:       store,
		Secrets:     secrets.NewResolver(secrets.NewEnvProvider(), idents),
		Identity:    idents,
		Policy:      checker,
		Attest:      attestation.NewService(keyring),
		Vault:       checkpoint.NewVault(blobs),
		Egress:      egressCtrl,
		EgressProxy: proxy,
		Audit:       audit.NewEmitter(rec, logger),
		Logger:      logger,
		Metrics:     NewMetrics(prometheus.NewRegistry()),
	}, Options{})

	t.Cleanup(func() { m.Close(context.Background()) })
	return &harness{manager: m, store: store, audit: rec, idents: idents, proxy: proxy}
}

func testSpec() domain.SandboxSpec {
	return domain.SandboxSpec{
		ImageRef:  testImageRef,
		Requester: domain.Identity{ID: "agent-1", Kind: "agent", Name: "tester"},
		DelegationChain: domain.DelegationChain{
			{ID: "user-1", Kind: "human", Name: "operator"},
		},
		Runtime: domain.RuntimeUserKernel,
		TTL:     time.Hour,
	}
}

func TestSpawnProducesAttestedReadySandbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.manager.Spawn(ctx, testSpec())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if handle.Status.Phase != domain.PhaseReady {
		t.Errorf("phase = %q, want ready", handle.Status.Phase)
	}
	if handle.Attestation == nil {
		t.Fatal("handle missing attestation")
	}
	if handle.Attestation.Identity.ID != "agent-1" {
		t.Errorf("attested identity = %q", handle.Attestation.Identity.ID)
	}
	if len(handle.Attestation.ImageHash) == 0 || len(handle.Attestation.FilesystemHash) == 0 {
		t.Error("attestation missing content hashes")
	}

	// Identity bound during the spawn protocol.
	if bound, ok := h.idents.BoundIdentity(handle.ID); !ok || bound.ID != "agent-1" {
		t.Errorf("bound identity = %+v ok=%v", bound, ok)
	}

	// Durable record written.
	rec, err := h.store.GetSandbox(ctx, handle.ID)
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if rec.Phase != domain.PhaseReady {
		t.Errorf("stored phase = %q", rec.Phase)
	}

	spawned := h.audit.ByType(audit.TypeSandboxSpawned)
	if len(spawned) != 1 {
		t.Fatal("spawn not audited")
	}
	if spawned[0].SandboxID != handle.ID {
		t.Errorf("audited sandbox id = %s, want %s", spawned[0].SandboxID, handle.ID)
	}
}

func TestSpawnDeniedByPolicy(t *testing.T) {
	h := newHarness(t)
	spec := testSpec()
	spec.Requester = domain.Identity{ID: "agent-2", Kind: "agent"}

	_, err := h.manager.Spawn(context.Background(), spec)
	if !apierrors.IsCode(err, apierrors.CodeAuthorization) {
		t.Fatalf("err = %v, want authorization failure", err)
	}
	if got := len(h.manager.List(context.Background())); got != 0 {
		t.Errorf("registry size = %d after denied spawn", got)
	}
}

func TestSpawnUnknownImageRollsBack(t *testing.T) {
	h := newHarness(t)
	spec := testSpec()
	spec.ImageRef = "registry.local/missing:1"

	_, err := h.manager.Spawn(context.Background(), spec)
	if !apierrors.IsCode(err, apierrors.CodeImageNotFound) {
		t.Fatalf("err = %v, want image not found", err)
	}
	if got := len(h.manager.List(context.Background())); got != 0 {
		t.Errorf("registry size = %d after failed spawn", got)
	}
}

func TestExecRunsAndRefreshesIdleClock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.manager.Spawn(ctx, testSpec())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	res, err := h.manager.Exec(ctx, handle.ID, backend.ExecRequest{
		Command: []string{"/bin/sh", "-c", "cat README"},
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !strings.Contains(res.Stdout, "base image") {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if len(h.audit.ByType(audit.TypeSandboxExec)) != 1 {
		t.Error("exec not audited")
	}
}

func TestExecUnknownSandbox(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Exec(context.Background(), uuid.New(), backend.ExecRequest{Command: []string{"true"}})
	if !apierrors.IsCode(err, apierrors.CodeSandboxNotFound) {
		t.Fatalf("err = %v, want sandbox not found", err)
	}
}

func TestTerminateZeroesSecretsAndRemovesEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Setenv("MANAGER_TEST_TOKEN", "tok-789")
	spec := testSpec()
	spec.Secrets = []domain.SecretRef{{Name: "TOKEN", Ref: "env://MANAGER_TEST_TOKEN"}}

	handle, err := h.manager.Spawn(ctx, spec)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := h.manager.Terminate(ctx, handle.ID, ReasonRequested); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	if _, err := h.manager.Get(ctx, handle.ID); !apierrors.IsCode(err, apierrors.CodeSandboxNotFound) {
		t.Errorf("Get after terminate = %v", err)
	}
	rec, err := h.store.GetSandbox(ctx, handle.ID)
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if rec.Phase != domain.PhaseTerminated || rec.Reason != ReasonRequested {
		t.Errorf("stored phase %q reason %q", rec.Phase, rec.Reason)
	}

	// Idempotent.
	if err := h.manager.Terminate(ctx, handle.ID, ReasonRequested); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if len(h.audit.ByType(audit.TypeSandboxTerminated)) != 1 {
		t.Error("terminate audited more than once")
	}
}

func TestTTLExpiryTerminates(t *testing.T) {
	old := watchTick
	watchTick = 10 * time.Millisecond
	t.Cleanup(func() { watchTick = old })

	h := newHarness(t)
	ctx := context.Background()
	spec := testSpec()
	spec.TTL = 50 * time.Millisecond

	handle, err := h.manager.Spawn(ctx, spec)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		if _, err := h.manager.Get(ctx, handle.ID); apierrors.IsCode(err, apierrors.CodeSandboxNotFound) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sandbox not terminated after TTL expiry")
		case <-time.After(20 * time.Millisecond):
		}
	}

	rec, err := h.store.GetSandbox(ctx, handle.ID)
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if rec.Reason != ReasonTTLExpired {
		t.Errorf("reason = %q, want %q", rec.Reason, ReasonTTLExpired)
	}
}

func TestCheckpointAndRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.manager.Spawn(ctx, testSpec())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := h.manager.Exec(ctx, handle.ID, backend.ExecRequest{
		Command: []string{"/bin/sh", "-c", "echo progress > work.txt"},
	}); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	meta, err := h.manager.Checkpoint(ctx, handle.ID)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if meta.SandboxID != handle.ID {
		t.Errorf("checkpoint sandbox = %s", meta.SandboxID)
	}

	// The original sandbox is suspended in the checkpointed state.
	got, err := h.manager.Get(ctx, handle.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status.Phase != domain.PhaseCheckpointed {
		t.Errorf("phase after checkpoint = %q, want checkpointed", got.Status.Phase)
	}

	restored, err := h.manager.Restore(ctx, meta.ID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.ID == handle.ID {
		t.Error("restored sandbox reused the original id")
	}
	if restored.Attestation == nil {
		t.Fatal("restored sandbox missing fresh attestation")
	}

	res, err := h.manager.Exec(ctx, restored.ID, backend.ExecRequest{
		Command: []string{"/bin/sh", "-c", "cat work.txt"},
	})
	if err != nil {
		t.Fatalf("Exec on restored: %v", err)
	}
	if !strings.Contains(res.Stdout, "progress") {
		t.Errorf("stdout = %q, want checkpointed state", res.Stdout)
	}

	// The audit trail links the restore to its checkpoint.
	events := h.audit.ByType(audit.TypeSandboxRestored)
	if len(events) != 1 {
		t.Fatalf("restore events = %d", len(events))
	}
	if events[0].Details["checkpoint_id"] != meta.ID.String() {
		t.Error("restore audit missing checkpoint link")
	}
	if events[0].Details["source_sandbox"] != handle.ID.String() {
		t.Error("restore audit missing source sandbox link")
	}
}

func TestCheckpointedSandboxRejectsExecUntilTerminated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.manager.Spawn(ctx, testSpec())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := h.manager.Checkpoint(ctx, handle.ID); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	rec, err := h.store.GetSandbox(ctx, handle.ID)
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if rec.Phase != domain.PhaseCheckpointed {
		t.Errorf("stored phase = %q, want checkpointed", rec.Phase)
	}

	if _, err := h.manager.Exec(ctx, handle.ID, backend.ExecRequest{
		Command: []string{"true"},
	}); !apierrors.IsCode(err, apierrors.CodeConflict) {
		t.Fatalf("exec on checkpointed = %v, want conflict", err)
	}

	// TTL-driven teardown remains possible from the checkpointed state.
	if err := h.manager.Terminate(ctx, handle.ID, ReasonTTLExpired); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, err := h.manager.Get(ctx, handle.ID); !apierrors.IsCode(err, apierrors.CodeSandboxNotFound) {
		t.Errorf("Get after terminate = %v", err)
	}
}

func TestCheckpointRequiresReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.manager.Spawn(ctx, testSpec())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := h.manager.Terminate(ctx, handle.ID, ReasonRequested); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, err := h.manager.Checkpoint(ctx, handle.ID); !apierrors.IsCode(err, apierrors.CodeSandboxNotFound) {
		t.Fatalf("checkpoint of terminated = %v", err)
	}
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Restore(context.Background(), uuid.New())
	if !apierrors.IsCode(err, apierrors.CodeCheckpointMissing) {
		t.Fatalf("err = %v, want checkpoint not found", err)
	}
}

func TestPooledClaimBindsIdentityAndAttests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	template := testSpec()
	template.Requester = domain.Identity{}
	template.DelegationChain = nil

	id, err := h.manager.SpawnPooled(ctx, "builders", template)
	if err != nil {
		t.Fatalf("SpawnPooled: %v", err)
	}

	// Unclaimed pool members have no identity and no attestation.
	pre, err := h.manager.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pre.Identity.ID != "" || pre.Attestation != nil {
		t.Error("unclaimed pool member carries identity or attestation")
	}

	handle, err := h.manager.ClaimPooled(ctx, id, testSpec())
	if err != nil {
		t.Fatalf("ClaimPooled: %v", err)
	}
	if handle.Identity.ID != "agent-1" {
		t.Errorf("claimed identity = %q", handle.Identity.ID)
	}
	if handle.Attestation == nil || handle.Attestation.Identity.ID != "agent-1" {
		t.Error("claim did not produce an identity-bound attestation")
	}

	// Double claim must conflict.
	if _, err := h.manager.ClaimPooled(ctx, id, testSpec()); !apierrors.IsCode(err, apierrors.CodeConflict) {
		t.Fatalf("second claim = %v, want conflict", err)
	}
}

// brokenBackend wraps a real backend and fails selected operations as
// if the isolation layer died underneath the manager.
type brokenBackend struct {
	backend.Backend
	failSpawn bool
	failExec  bool
}

func (b *brokenBackend) Spawn(ctx context.Context, id uuid.UUID, spec domain.SandboxSpec, rootfs string, secretEnv map[string]string) error {
	if b.failSpawn {
		return apierrors.BackendUnavailable("isolation layer lost")
	}
	return b.Backend.Spawn(ctx, id, spec, rootfs, secretEnv)
}

func (b *brokenBackend) Exec(ctx context.Context, id uuid.UUID, req backend.ExecRequest) (*backend.ExecResult, error) {
	if b.failExec {
		return nil, apierrors.BackendUnavailable("guest transport lost")
	}
	return b.Backend.Exec(ctx, id, req)
}

func TestSpawnBackendFailurePersistsFailedRecord(t *testing.T) {
	be := &brokenBackend{
		Backend:   backend.NewUSKernel(backend.USKernelConfig{BaseDir: t.TempDir()}, testLogger()),
		failSpawn: true,
	}
	h := newHarnessWithBackend(t, be)
	ctx := context.Background()

	_, err := h.manager.Spawn(ctx, testSpec())
	if !apierrors.IsCode(err, apierrors.CodeBackendDown) {
		t.Fatalf("err = %v, want backend unavailable", err)
	}

	recs, err := h.store.ListSandboxes(ctx)
	if err != nil {
		t.Fatalf("ListSandboxes: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want the failed spawn persisted", len(recs))
	}
	if recs[0].Phase != domain.PhaseFailed || recs[0].Reason == "" {
		t.Errorf("record phase %q reason %q, want failed with cause", recs[0].Phase, recs[0].Reason)
	}
}

func TestExecBackendFailureFailsSandbox(t *testing.T) {
	be := &brokenBackend{
		Backend:  backend.NewUSKernel(backend.USKernelConfig{BaseDir: t.TempDir()}, testLogger()),
		failExec: true,
	}
	h := newHarnessWithBackend(t, be)
	ctx := context.Background()

	handle, err := h.manager.Spawn(ctx, testSpec())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := h.manager.Exec(ctx, handle.ID, backend.ExecRequest{
		Command: []string{"true"},
	}); !apierrors.IsCode(err, apierrors.CodeBackendDown) {
		t.Fatalf("exec = %v, want backend unavailable", err)
	}

	// The sandbox is gone and the durable record says why.
	if _, err := h.manager.Get(ctx, handle.ID); !apierrors.IsCode(err, apierrors.CodeSandboxNotFound) {
		t.Errorf("Get after backend failure = %v", err)
	}
	rec, err := h.store.GetSandbox(ctx, handle.ID)
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if rec.Phase != domain.PhaseFailed || rec.Reason == "" {
		t.Errorf("stored phase %q reason %q, want failed with cause", rec.Phase, rec.Reason)
	}

	terminated := h.audit.ByType(audit.TypeSandboxTerminated)
	if len(terminated) != 1 || terminated[0].Outcome != "error" {
		t.Errorf("termination audit = %+v, want one error outcome", terminated)
	}
}

func TestFailedExecDoesNotRefreshIdleClock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.manager.Spawn(ctx, testSpec())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	ent, err := h.manager.lookup(handle.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	ent.mu.Lock()
	before := ent.lastActive
	ent.mu.Unlock()

	if _, err := h.manager.Exec(ctx, handle.ID, backend.ExecRequest{
		Command: []string{"/bin/sh", "-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	}); !apierrors.IsCode(err, apierrors.CodeTimeout) {
		t.Fatalf("exec = %v, want timeout", err)
	}

	ent.mu.Lock()
	after := ent.lastActive
	phase := ent.handle.Status.Phase
	ent.mu.Unlock()
	if !after.Equal(before) {
		t.Error("failed exec refreshed the idle clock")
	}
	if phase != domain.PhaseReady {
		t.Errorf("phase after timed-out exec = %q, want ready", phase)
	}
}

func TestSpawnInjectsEgressProxyEnvironment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.manager.Spawn(ctx, testSpec())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	res, err := h.manager.Exec(ctx, handle.ID, backend.ExecRequest{
		Command: []string{"/bin/sh", "-c", "printenv HTTP_PROXY"},
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !strings.Contains(res.Stdout, h.proxy.Addr()) {
		t.Errorf("guest HTTP_PROXY = %q, want the enforcement listener %s", res.Stdout, h.proxy.Addr())
	}
}

func TestRecyclePooledScrubsOccupant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	template := testSpec()
	template.Requester = domain.Identity{}
	template.DelegationChain = nil

	id, err := h.manager.SpawnPooled(ctx, "builders", template)
	if err != nil {
		t.Fatalf("SpawnPooled: %v", err)
	}
	if _, err := h.manager.ClaimPooled(ctx, id, testSpec()); err != nil {
		t.Fatalf("ClaimPooled: %v", err)
	}
	if _, err := h.manager.Exec(ctx, id, backend.ExecRequest{
		Command: []string{"/bin/sh", "-c", "echo occupant > leftover.txt"},
	}); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	if err := h.manager.RecyclePooled(ctx, id); err != nil {
		t.Fatalf("RecyclePooled: %v", err)
	}

	post, err := h.manager.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if post.Identity.ID != "" || post.Attestation != nil {
		t.Error("recycled member still bound to previous occupant")
	}

	// Claim again and verify the previous occupant's files are gone.
	if _, err := h.manager.ClaimPooled(ctx, id, testSpec()); err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	res, err := h.manager.Exec(ctx, id, backend.ExecRequest{
		Command: []string{"/bin/sh", "-c", "ls"},
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if strings.Contains(res.Stdout, "leftover.txt") {
		t.Error("previous occupant's file survived recycle")
	}
}
