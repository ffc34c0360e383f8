package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// JSONLRecorder writes audit events as append-only JSONL, one event per line.
// File permissions are 0600. Thread-safe: marshal happens outside the lock,
// only the file write is serialized.
type JSONLRecorder struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONLRecorder opens (or creates) the audit log file in append-only mode.
func NewJSONLRecorder(path string) (*JSONLRecorder, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &JSONLRecorder{file: f}, nil
}

func (r *JSONLRecorder) Record(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	r.mu.Lock()
	_, writeErr := r.file.Write(data)
	r.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}
	return nil
}

// Close closes the underlying file.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// MemoryRecorder collects events in memory for tests.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (r *MemoryRecorder) Record(_ context.Context, event Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *MemoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ByType returns recorded events of the given type.
func (r *MemoryRecorder) ByType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
