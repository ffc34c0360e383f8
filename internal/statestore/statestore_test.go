package statestore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// runStoreTests exercises every Store implementation identically.
func runStoreTests(t *testing.T, open func(t *testing.T) Store) {
	t.Run("SandboxRoundTrip", func(t *testing.T) { testSandboxRoundTrip(t, open(t)) })
	t.Run("PoolConfigRoundTrip", func(t *testing.T) { testPoolConfigRoundTrip(t, open(t)) })
	t.Run("MemberCAS", func(t *testing.T) { testMemberCAS(t, open(t)) })
	t.Run("MemberCASSingleWinner", func(t *testing.T) { testMemberCASSingleWinner(t, open(t)) })
	t.Run("ListMembersFilterAndOrder", func(t *testing.T) { testListMembersFilterAndOrder(t, open(t)) })
	t.Run("CheckpointRoundTrip", func(t *testing.T) { testCheckpointRoundTrip(t, open(t)) })
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store { return NewMemory() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		store, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "state.db")}, testLogger())
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		if err := store.Migrate(context.Background()); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		return store
	})
}

func sampleSpec() domain.SandboxSpec {
	spec := domain.SandboxSpec{
		ImageRef:  "registry.local/base:1",
		Requester: domain.Identity{ID: "agent-1", Kind: "agent"},
		DelegationChain: domain.DelegationChain{
			{ID: "user-1", Kind: "human"},
		},
		Runtime: domain.RuntimeUserKernel,
	}
	spec.Limits = spec.Limits.WithDefaults()
	return spec
}

func testSandboxRoundTrip(t *testing.T, store Store) {
	ctx := context.Background()
	id := uuid.New()
	rec := &SandboxRecord{
		ID:      id,
		Spec:    sampleSpec(),
		Runtime: domain.RuntimeUserKernel,
		Phase:   domain.PhaseReady,
	}
	if err := store.PutSandbox(ctx, rec); err != nil {
		t.Fatalf("PutSandbox: %v", err)
	}

	got, err := store.GetSandbox(ctx, id)
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if got.Phase != domain.PhaseReady {
		t.Errorf("phase = %q, want %q", got.Phase, domain.PhaseReady)
	}
	if got.Spec.ImageRef != "registry.local/base:1" {
		t.Errorf("image ref = %q", got.Spec.ImageRef)
	}

	rec.Phase = domain.PhaseTerminated
	rec.Reason = "ttl expired"
	if err := store.PutSandbox(ctx, rec); err != nil {
		t.Fatalf("update PutSandbox: %v", err)
	}
	got, err = store.GetSandbox(ctx, id)
	if err != nil {
		t.Fatalf("GetSandbox after update: %v", err)
	}
	if got.Phase != domain.PhaseTerminated || got.Reason != "ttl expired" {
		t.Errorf("got phase %q reason %q", got.Phase, got.Reason)
	}

	if err := store.DeleteSandbox(ctx, id); err != nil {
		t.Fatalf("DeleteSandbox: %v", err)
	}
	if _, err := store.GetSandbox(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}

func testPoolConfigRoundTrip(t *testing.T, store Store) {
	ctx := context.Background()
	cfg := &domain.WarmPoolConfig{
		PoolID:   "builders",
		Template: sampleSpec(),
		MinReady: 2,
		MaxReady: 8,
		MaxAge:   time.Hour,
		Reusable: true,
	}
	cfg.Template.Requester = domain.Identity{}

	if err := store.PutPoolConfig(ctx, cfg); err != nil {
		t.Fatalf("PutPoolConfig: %v", err)
	}
	got, err := store.GetPoolConfig(ctx, "builders")
	if err != nil {
		t.Fatalf("GetPoolConfig: %v", err)
	}
	if got.MinReady != 2 || got.MaxReady != 8 || !got.Reusable {
		t.Errorf("got %+v", got)
	}

	list, err := store.ListPoolConfigs(ctx)
	if err != nil {
		t.Fatalf("ListPoolConfigs: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}

	if err := store.DeletePoolConfig(ctx, "builders"); err != nil {
		t.Fatalf("DeletePoolConfig: %v", err)
	}
	if _, err := store.GetPoolConfig(ctx, "builders"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}

func testMemberCAS(t *testing.T, store Store) {
	ctx := context.Background()
	member := &domain.PoolMember{
		PoolID:    "builders",
		SandboxID: uuid.New(),
		State:     domain.PoolStateReady,
		CreatedAt: time.Now().UTC(),
		Version:   0,
	}
	if err := store.InsertMember(ctx, member); err != nil {
		t.Fatalf("InsertMember: %v", err)
	}

	claim := *member
	claim.State = domain.PoolStateClaimed
	claim.ClaimedBy = "agent-1"
	if err := store.CompareAndSwapMember(ctx, &claim, 0); err != nil {
		t.Fatalf("CAS: %v", err)
	}
	if claim.Version != 1 {
		t.Errorf("version = %d, want 1", claim.Version)
	}

	// Stale expectation loses.
	stale := *member
	stale.State = domain.PoolStateEvicting
	if err := store.CompareAndSwapMember(ctx, &stale, 0); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale CAS err = %v, want ErrVersionConflict", err)
	}

	got, err := store.GetMember(ctx, member.SandboxID)
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if got.State != domain.PoolStateClaimed || got.ClaimedBy != "agent-1" || got.Version != 1 {
		t.Errorf("got %+v", got)
	}
}

func testMemberCASSingleWinner(t *testing.T, store Store) {
	ctx := context.Background()
	member := &domain.PoolMember{
		PoolID:    "builders",
		SandboxID: uuid.New(),
		State:     domain.PoolStateReady,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.InsertMember(ctx, member); err != nil {
		t.Fatalf("InsertMember: %v", err)
	}

	const contenders = 8
	var wg sync.WaitGroup
	wins := make(chan int, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			claim := *member
			claim.State = domain.PoolStateClaimed
			claim.ClaimedBy = "agent"
			if err := store.CompareAndSwapMember(ctx, &claim, 0); err == nil {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("winners = %d, want exactly 1", count)
	}
}

func testListMembersFilterAndOrder(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	states := []domain.PoolSandboxState{
		domain.PoolStateReady, domain.PoolStateClaimed, domain.PoolStateReady,
	}
	ids := make([]uuid.UUID, len(states))
	for i, st := range states {
		ids[i] = uuid.New()
		m := &domain.PoolMember{
			PoolID:    "builders",
			SandboxID: ids[i],
			State:     st,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.InsertMember(ctx, m); err != nil {
			t.Fatalf("InsertMember: %v", err)
		}
	}
	// A member of another pool must not appear.
	other := &domain.PoolMember{PoolID: "other", SandboxID: uuid.New(), State: domain.PoolStateReady, CreatedAt: base}
	if err := store.InsertMember(ctx, other); err != nil {
		t.Fatalf("InsertMember other: %v", err)
	}

	ready, err := store.ListMembers(ctx, "builders", domain.PoolStateReady)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("ready = %d, want 2", len(ready))
	}
	if ready[0].SandboxID != ids[0] || ready[1].SandboxID != ids[2] {
		t.Error("ready members not in oldest-first order")
	}

	all, err := store.ListMembers(ctx, "builders", "")
	if err != nil {
		t.Fatalf("ListMembers all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d, want 3", len(all))
	}
}

func testCheckpointRoundTrip(t *testing.T, store Store) {
	ctx := context.Background()
	sandboxID := uuid.New()
	meta := &domain.CheckpointMetadata{
		ID:        uuid.New(),
		SandboxID: sandboxID,
		Identity:  domain.Identity{ID: "agent-1", Kind: "agent"},
		Spec:      sampleSpec(),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := store.PutCheckpoint(ctx, meta); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}

	got, err := store.GetCheckpoint(ctx, meta.ID)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if got.SandboxID != sandboxID {
		t.Errorf("sandbox id = %s, want %s", got.SandboxID, sandboxID)
	}

	list, err := store.ListCheckpoints(ctx, sandboxID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}

	if err := store.DeleteCheckpoint(ctx, meta.ID); err != nil {
		t.Fatalf("DeleteCheckpoint: %v", err)
	}
	if _, err := store.GetCheckpoint(ctx, meta.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}
