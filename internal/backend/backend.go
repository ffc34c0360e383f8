// Package backend abstracts the isolation models a sandbox can run under.
// Two reference implementations exist: a user-space-kernel model with a
// reduced syscall surface and fast startup, and a lightweight-VM model with
// full kernel fidelity and stronger isolation but slower startup. The model
// is selected once at spawn time and is immutable for the sandbox's life.
package backend

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/apierrors"
	"github.com/jkaninda/enclave/internal/domain"
)

// SyscallSurface classifies how much of the host syscall ABI a backend
// exposes to guest code.
type SyscallSurface string

const (
	SurfacePartial SyscallSurface = "partial" // User-space kernel re-implements a subset.
	SurfaceFull    SyscallSurface = "full"    // Guest kernel, full ABI.
)

// Interception names the mechanism routing guest egress through the
// controller.
type Interception string

const (
	InterceptUserspace    Interception = "userspace_proxy"
	InterceptGuestPackets Interception = "guest_packet_filter"
)

// Capabilities is a backend's static capability descriptor. Callers that
// need to branch on feature support (e.g. checkpoint availability) consult
// this instead of type-switching on implementations.
type Capabilities struct {
	Runtime             domain.RuntimeClass
	PlatformTag         string
	Syscalls            SyscallSurface
	ColdStartP50        time.Duration
	ColdStartP99        time.Duration
	MemoryOverheadBytes int64
	SupportsCheckpoint  bool
	Interception        Interception
}

// ExecRequest describes one command execution inside a running sandbox.
type ExecRequest struct {
	Command []string
	Env     map[string]string // Merged on top of the sandbox's environment.
	Timeout time.Duration     // 0 = backend default.
}

// ExecResult captures the outcome of an exec.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Snapshot is a captured sandbox state: an opaque memory/CPU state blob and
// a tar stream of the filesystem delta. Both are content-hashed by the
// checkpoint layer before upload.
type Snapshot struct {
	MemoryState []byte
	Filesystem  []byte
}

// RunState is a backend-level liveness report, distinct from the manager's
// lifecycle phase.
type RunState string

const (
	StateRunning RunState = "running"
	StateStopped RunState = "stopped"
	StateUnknown RunState = "unknown"
)

// Backend is one isolation model. Implementations must be safe for
// concurrent use across distinct sandbox ids; calls for the same id are
// serialized by the manager's registry entry.
//
// Spawn has no partial side effects: either a fully running sandbox exists
// afterwards, or none does and a typed error explains why (image not found,
// resource exhausted, backend unavailable).
type Backend interface {
	Capabilities() Capabilities

	// Spawn provisions and starts a sandbox from the pulled image rootfs.
	// secretEnv is injected into the guest environment.
	Spawn(ctx context.Context, id uuid.UUID, spec domain.SandboxSpec, rootfs string, secretEnv map[string]string) error

	// Terminate stops the sandbox and releases all backend resources.
	// Idempotent: terminating an unknown id is not an error.
	Terminate(ctx context.Context, id uuid.UUID) error

	Exec(ctx context.Context, id uuid.UUID, req ExecRequest) (*ExecResult, error)
	Status(ctx context.Context, id uuid.UUID) (RunState, error)

	// Checkpoint captures memory, CPU state, and the filesystem delta.
	// Only meaningful when Capabilities().SupportsCheckpoint.
	Checkpoint(ctx context.Context, id uuid.UUID) (*Snapshot, error)

	// Restore provisions a new sandbox from a snapshot under a fresh id.
	Restore(ctx context.Context, id uuid.UUID, spec domain.SandboxSpec, snapshot *Snapshot, secretEnv map[string]string) error

	// Reset discards the sandbox's working layer and re-provisions it from
	// the original rootfs, leaving no trace of the previous occupant. Used
	// by reusable warm pools between claims.
	Reset(ctx context.Context, id uuid.UUID, secretEnv map[string]string) error

	// PlatformEvidence returns opaque evidence bytes for attestation,
	// prefixed with the backend's platform tag and a NUL byte.
	PlatformEvidence(ctx context.Context, id uuid.UUID) ([]byte, error)

	// FilesystemDigestRoot returns the host path whose tree captures the
	// sandbox's current filesystem state, for attestation hashing.
	FilesystemDigestRoot(id uuid.UUID) string
}

// Registry maps runtime classes to configured backends.
type Registry struct {
	backends map[domain.RuntimeClass]Backend
}

// NewRegistry builds a registry over the given backends, keyed by their
// declared runtime class.
func NewRegistry(backends ...Backend) *Registry {
	m := make(map[domain.RuntimeClass]Backend, len(backends))
	for _, b := range backends {
		m[b.Capabilities().Runtime] = b
	}
	return &Registry{backends: m}
}

// Select returns the backend for the spec's runtime class.
func (r *Registry) Select(class domain.RuntimeClass) (Backend, error) {
	b, ok := r.backends[class]
	if !ok {
		return nil, apierrors.Validation("no backend configured for runtime class %q", class)
	}
	return b, nil
}

// Classes lists the configured runtime classes.
func (r *Registry) Classes() []domain.RuntimeClass {
	out := make([]domain.RuntimeClass, 0, len(r.backends))
	for c := range r.backends {
		out = append(out, c)
	}
	return out
}
