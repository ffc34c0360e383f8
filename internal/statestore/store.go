// Package statestore persists orchestrator state: sandbox records, warm
// pool configuration and membership, and checkpoint metadata. Two backends
// are provided: SQLite (default, zero-config) and PostgreSQL (production).
// All GORM usage is confined to this package.
//
// Pool membership carries a version column and mutates ONLY through
// CompareAndSwapMember, which is the concurrency primitive the claim path
// is built on.
package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/domain"
)

// ErrVersionConflict is returned by CompareAndSwapMember when the stored
// version no longer matches the caller's expectation. Callers retry with
// a fresh read or move to another candidate.
var ErrVersionConflict = errors.New("statestore: version conflict")

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("statestore: not found")

// SandboxRecord is the durable view of one sandbox.
type SandboxRecord struct {
	ID        uuid.UUID
	Spec      domain.SandboxSpec
	Runtime   domain.RuntimeClass
	Phase     domain.Phase
	Reason    string
	PoolID    string // Empty for direct spawns.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SandboxStore persists sandbox records.
type SandboxStore interface {
	PutSandbox(ctx context.Context, rec *SandboxRecord) error
	GetSandbox(ctx context.Context, id uuid.UUID) (*SandboxRecord, error)
	ListSandboxes(ctx context.Context) ([]*SandboxRecord, error)
	DeleteSandbox(ctx context.Context, id uuid.UUID) error
}

// PoolStore persists warm pool configuration and membership.
type PoolStore interface {
	PutPoolConfig(ctx context.Context, cfg *domain.WarmPoolConfig) error
	GetPoolConfig(ctx context.Context, poolID string) (*domain.WarmPoolConfig, error)
	ListPoolConfigs(ctx context.Context) ([]*domain.WarmPoolConfig, error)
	DeletePoolConfig(ctx context.Context, poolID string) error

	InsertMember(ctx context.Context, m *domain.PoolMember) error
	GetMember(ctx context.Context, sandboxID uuid.UUID) (*domain.PoolMember, error)
	// ListMembers returns members of a pool, oldest first. A non-empty
	// state filters to that state.
	ListMembers(ctx context.Context, poolID string, state domain.PoolSandboxState) ([]*domain.PoolMember, error)
	// CompareAndSwapMember applies the member's new state and claim owner
	// only if the stored version equals expectedVersion; on success the
	// stored version becomes expectedVersion+1. Returns ErrVersionConflict
	// when another writer got there first.
	CompareAndSwapMember(ctx context.Context, m *domain.PoolMember, expectedVersion int64) error
	DeleteMember(ctx context.Context, sandboxID uuid.UUID) error
}

// CheckpointStore persists checkpoint metadata. Metadata is committed
// only after the referenced blobs are durably stored.
type CheckpointStore interface {
	PutCheckpoint(ctx context.Context, meta *domain.CheckpointMetadata) error
	GetCheckpoint(ctx context.Context, id uuid.UUID) (*domain.CheckpointMetadata, error)
	ListCheckpoints(ctx context.Context, sandboxID uuid.UUID) ([]*domain.CheckpointMetadata, error)
	DeleteCheckpoint(ctx context.Context, id uuid.UUID) error
}

// Store is the unified persistence interface.
type Store interface {
	SandboxStore
	PoolStore
	CheckpointStore

	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite", "postgres" or
	// "memory").
	Driver() string
}

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	DefaultDriver = DriverSQLite
)

// Config selects and configures the storage driver.
type Config struct {
	Driver   string         `yaml:"driver" json:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite" json:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `yaml:"path,omitempty" json:"path,omitempty"`
	JournalMode string `yaml:"journal_mode" json:"journal_mode"` // "wal" by default.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}
