package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/audit"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	store, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "state.db")}, testLogger())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func TestAuditRepositoryAppendAndQuery(t *testing.T) {
	store := openTestSQLite(t)
	repo := NewAuditRepository(store)
	if repo == nil {
		t.Fatal("NewAuditRepository returned nil for a database-backed store")
	}
	ctx := context.Background()

	sandboxID := uuid.New()
	events := []audit.Event{
		{Time: time.Now().UTC().Add(-2 * time.Minute), Type: audit.TypeSandboxSpawned, SandboxID: sandboxID, Identity: "agent-1", Outcome: "ok"},
		{Time: time.Now().UTC().Add(-time.Minute), Type: audit.TypeEgressDecision, SandboxID: sandboxID, Identity: "agent-1", Outcome: "denied", Details: map[string]string{"destination": "10.0.0.9:443"}},
		{Time: time.Now().UTC(), Type: audit.TypePoolCreated, PoolID: "builders", Identity: "operator", Outcome: "ok"},
	}
	for _, ev := range events {
		if err := repo.Record(ctx, ev); err != nil {
			t.Fatalf("Record(%s): %v", ev.Type, err)
		}
	}

	all, err := repo.Query(ctx, uuid.Nil, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if all[0].Type != audit.TypePoolCreated {
		t.Errorf("newest event type = %q, want %q", all[0].Type, audit.TypePoolCreated)
	}

	scoped, err := repo.Query(ctx, sandboxID, 0)
	if err != nil {
		t.Fatalf("Query(sandbox): %v", err)
	}
	if len(scoped) != 2 {
		t.Fatalf("len(scoped) = %d, want 2", len(scoped))
	}
	if scoped[0].Details["destination"] != "10.0.0.9:443" {
		t.Errorf("details = %v, want destination preserved", scoped[0].Details)
	}
	if scoped[0].SandboxID != sandboxID {
		t.Errorf("sandbox id = %s, want %s", scoped[0].SandboxID, sandboxID)
	}
}

func TestNewAuditRepositoryNilForMemoryStore(t *testing.T) {
	if repo := NewAuditRepository(NewMemory()); repo != nil {
		t.Error("NewAuditRepository(memory) != nil, want nil")
	}
}
