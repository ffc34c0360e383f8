package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestJSONLRecorderAppendsOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	r, err := NewJSONLRecorder(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Close()

	id := uuid.New()
	events := []Event{
		{Type: TypeSandboxSpawned, SandboxID: id, Identity: "agent-1", Outcome: "ok"},
		{Type: TypeEgressDecision, SandboxID: id, Outcome: "denied", Details: map[string]string{"destination": "evil.example.com"}},
	}
	for _, e := range events {
		if err := r.Record(context.Background(), e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var got []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("event count = %d, want 2", len(got))
	}
	if got[1].Details["destination"] != "evil.example.com" {
		t.Errorf("details not round-tripped: %v", got[1].Details)
	}

	info, _ := os.Stat(path)
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("audit log permissions = %o, want 0600", perm)
	}
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, Event) error {
	return errors.New("sink unavailable")
}

func TestEmitterNeverFails(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// A failing sink must not panic or propagate.
	e := NewEmitter(failingRecorder{}, logger)
	e.Emit(context.Background(), Event{Type: TypeSandboxSpawned, Outcome: "ok"})

	// Nil emitter and nil recorder are no-ops.
	var nilEmitter *Emitter
	nilEmitter.Emit(context.Background(), Event{})
	NewEmitter(nil, logger).Emit(context.Background(), Event{})
}

func TestMultiRecorderReachesAllSinks(t *testing.T) {
	a, b := NewMemoryRecorder(), NewMemoryRecorder()
	multi := MultiRecorder{a, failingRecorder{}, b}

	err := multi.Record(context.Background(), Event{Type: TypeSandboxSpawned, Outcome: "ok"})
	if err == nil {
		t.Error("err = nil, want the failing sink's error surfaced")
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("sink counts = %d, %d, want 1, 1 (failure must not skip later sinks)", len(a.Events()), len(b.Events()))
	}
}

func TestEmitterStampsTime(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mem := NewMemoryRecorder()
	e := NewEmitter(mem, logger)

	e.Emit(context.Background(), Event{Type: TypePoolClaimed, Outcome: "ok"})
	events := mem.Events()
	if len(events) != 1 {
		t.Fatalf("event count = %d, want 1", len(events))
	}
	if events[0].Time.IsZero() {
		t.Error("event time not stamped")
	}
}
