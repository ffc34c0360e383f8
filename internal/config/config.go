// Package config handles loading and validating Enclave configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/enclave/internal/policy"
	"github.com/jkaninda/enclave/internal/ratelimit"
	"github.com/jkaninda/enclave/internal/statestore"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Enclave.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.enclave/data. Override: ENCLAVE_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir)
	Backends      BackendsConfig       `json:"backends" yaml:"backends"`
	Images        ImagesConfig         `json:"images" yaml:"images"`
	Limits        LimitsConfig         `json:"limits" yaml:"limits"`
	Attestation   AttestationConfig    `json:"attestation" yaml:"attestation"`
	Checkpoints   CheckpointsConfig    `json:"checkpoints" yaml:"checkpoints"`
	Policy        PolicyConfig         `json:"policy" yaml:"policy"`
	Egress        EgressConfig         `json:"egress" yaml:"egress"`
	Pools         PoolsConfig          `json:"pools" yaml:"pools"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP API gateway.
type ServerConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 4 MB.
	APIKeyPrincipals    map[string]string `json:"api_key_principals" yaml:"api_key_principals"`         // API key → principal ID.
	RateLimit           ratelimit.Config  `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (s *ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request size cap with a default of 4 MB.
func (s *ServerConfig) MaxRequestSize() int64 {
	if s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 4 << 20
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres", or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: ENCLAVE_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25.
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5.
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min).
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// StoreConfig translates the storage section into the state store's
// native configuration, filling in data-dir derived defaults.
func (c *Config) StoreConfig() statestore.Config {
	out := statestore.Config{Driver: c.Storage.StorageDriver()}
	switch out.Driver {
	case "postgres":
		pg := c.Storage.Postgres
		if pg != nil {
			out.Postgres = statestore.PostgresConfig{
				DSN:             pg.DSN,
				MaxOpenConns:    pg.MaxOpenConns,
				MaxIdleConns:    pg.MaxIdleConns,
				ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
			}
		}
	case "sqlite":
		out.SQLite = statestore.SQLiteConfig{Path: c.DatabasePath()}
		if c.Storage != nil && c.Storage.SQLite != nil {
			if c.Storage.SQLite.Path != "" {
				out.SQLite.Path = c.Storage.SQLite.Path
			}
			out.SQLite.JournalMode = c.Storage.SQLite.JournalMode
		}
	}
	return out
}

// BackendsConfig selects and tunes the isolation backends. At least one
// must be enabled.
type BackendsConfig struct {
	USKernel *USKernelBackendConfig `json:"uskernel,omitempty" yaml:"uskernel,omitempty"` // nil = backend disabled.
	MicroVM  *MicroVMBackendConfig  `json:"microvm,omitempty" yaml:"microvm,omitempty"`   // nil = backend disabled.
}

// USKernelBackendConfig configures the userspace-kernel backend.
type USKernelBackendConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	BaseDir            string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`     // Default: derived from data dir.
	ExecTimeoutSeconds int    `json:"exec_timeout_seconds" yaml:"exec_timeout_seconds"` // Default: 120.
	MaxSandboxes       int    `json:"max_sandboxes" yaml:"max_sandboxes"`               // Default: 256.
}

// ExecTimeout returns the per-exec timeout with a default of 2m.
func (u *USKernelBackendConfig) ExecTimeout() time.Duration {
	if u != nil && u.ExecTimeoutSeconds > 0 {
		return time.Duration(u.ExecTimeoutSeconds) * time.Second
	}
	return 2 * time.Minute
}

// MicroVMBackendConfig configures the micro-VM backend.
type MicroVMBackendConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Runtime            string `json:"runtime,omitempty" yaml:"runtime,omitempty"` // Container runtime name, e.g. "kata". Empty = engine default.
	BaseDir            string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`
	ExecTimeoutSeconds int    `json:"exec_timeout_seconds" yaml:"exec_timeout_seconds"` // Default: 120.
	MaxSandboxes       int    `json:"max_sandboxes" yaml:"max_sandboxes"`               // Default: 64.
}

// ExecTimeout returns the per-exec timeout with a default of 2m.
func (m *MicroVMBackendConfig) ExecTimeout() time.Duration {
	if m != nil && m.ExecTimeoutSeconds > 0 {
		return time.Duration(m.ExecTimeoutSeconds) * time.Second
	}
	return 2 * time.Minute
}

// ImagesConfig configures the local image store.
type ImagesConfig struct {
	BaseDir string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"` // Default: derived from data dir.
}

// LimitsConfig caps what any sandbox spec may request.
type LimitsConfig struct {
	MaxMemoryMB int64 `json:"max_memory_mb" yaml:"max_memory_mb"` // 0 = uncapped.
	MaxDiskMB   int64 `json:"max_disk_mb" yaml:"max_disk_mb"`     // 0 = uncapped.
}

// AttestationConfig tunes attestation issuance and key rotation.
type AttestationConfig struct {
	TTLSeconds             int `json:"ttl_seconds" yaml:"ttl_seconds"`                            // Default: 86400 (24h).
	RotationOverlapSeconds int `json:"rotation_overlap_seconds" yaml:"rotation_overlap_seconds"` // Default: 86400 (24h).
}

// TTL returns the attestation validity window with a default of 24h.
func (a *AttestationConfig) TTL() time.Duration {
	if a != nil && a.TTLSeconds > 0 {
		return time.Duration(a.TTLSeconds) * time.Second
	}
	return 24 * time.Hour
}

// RotationOverlap returns the retired-key verification window with a default of 24h.
func (a *AttestationConfig) RotationOverlap() time.Duration {
	if a != nil && a.RotationOverlapSeconds > 0 {
		return time.Duration(a.RotationOverlapSeconds) * time.Second
	}
	return 24 * time.Hour
}

// CheckpointsConfig configures checkpoint blob storage.
type CheckpointsConfig struct {
	Dir              string `json:"dir,omitempty" yaml:"dir,omitempty"`         // Default: derived from data dir.
	RetentionSeconds int    `json:"retention_seconds" yaml:"retention_seconds"` // Default: 604800 (7 days).
}

// Retention returns the checkpoint retention window with a default of 7 days.
func (c *CheckpointsConfig) Retention() time.Duration {
	if c != nil && c.RetentionSeconds > 0 {
		return time.Duration(c.RetentionSeconds) * time.Second
	}
	return 7 * 24 * time.Hour
}

// PolicyConfig defines the static rule set and the external-check budget.
type PolicyConfig struct {
	Rules          []policy.Rule `json:"rules" yaml:"rules"`
	CheckTimeoutMS int           `json:"check_timeout_ms" yaml:"check_timeout_ms"` // Default: 200. Checks past this deadline deny.
}

// CheckTimeout returns the policy check budget with a default of 200ms.
func (p *PolicyConfig) CheckTimeout() time.Duration {
	if p != nil && p.CheckTimeoutMS > 0 {
		return time.Duration(p.CheckTimeoutMS) * time.Millisecond
	}
	return 200 * time.Millisecond
}

// EgressConfig configures the enforcement proxy sandboxes route through.
type EgressConfig struct {
	ProxyListenAddr  string `json:"proxy_listen_addr" yaml:"proxy_listen_addr"`   // Default: "127.0.0.1:0" (kernel-chosen loopback port).
	DecisionCacheTTL int    `json:"decision_cache_ttl" yaml:"decision_cache_ttl"` // Seconds. Default: 30.
}

// CacheTTL returns the per-(sandbox, destination) decision cache TTL
// with a default of 30s.
func (e *EgressConfig) CacheTTL() time.Duration {
	if e != nil && e.DecisionCacheTTL > 0 {
		return time.Duration(e.DecisionCacheTTL) * time.Second
	}
	return 30 * time.Second
}

// PoolsConfig tunes warm pool claims and maintenance.
type PoolsConfig struct {
	ClaimGraceMS               int `json:"claim_grace_ms" yaml:"claim_grace_ms"`                             // Default: 2000.
	MaintenanceIntervalSeconds int `json:"maintenance_interval_seconds" yaml:"maintenance_interval_seconds"` // Default: 5.
}

// ClaimGrace returns the empty-pool claim wait with a default of 2s.
func (p *PoolsConfig) ClaimGrace() time.Duration {
	if p != nil && p.ClaimGraceMS > 0 {
		return time.Duration(p.ClaimGraceMS) * time.Millisecond
	}
	return 2 * time.Second
}

// MaintenanceInterval returns the maintenance cadence with a default of 5s.
func (p *PoolsConfig) MaintenanceInterval() time.Duration {
	if p != nil && p.MaintenanceIntervalSeconds > 0 {
		return time.Duration(p.MaintenanceIntervalSeconds) * time.Second
	}
	return 5 * time.Second
}

// AuditConfig configures the durable audit trail.
type AuditConfig struct {
	LogPath string `json:"log_path,omitempty" yaml:"log_path,omitempty"` // Default: derived from data dir.
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "enclave"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled             bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold  float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`   // e.g. 0.5 = 50% errors
	DenySpikeMultiplier float64 `json:"deny_spike_multiplier" yaml:"deny_spike_multiplier"` // e.g. 3.0 = 3x normal egress denials
	WindowSeconds       int     `json:"window_seconds" yaml:"window_seconds"`               // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.enclave/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/enclave.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".enclave", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if envDD := os.Getenv("ENCLAVE_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envDSN := os.Getenv("ENCLAVE_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".enclave", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".enclave", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "enclave.db")
}

// AuditLogPath returns the audit log path, defaulting under the data directory.
func (c *Config) AuditLogPath() string {
	if c.Audit.LogPath != "" {
		return c.Audit.LogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// ImagesDir returns the image store root, defaulting under the data directory.
func (c *Config) ImagesDir() string {
	if c.Images.BaseDir != "" {
		return c.Images.BaseDir
	}
	return filepath.Join(c.ResolvedDataDir(), "images")
}

// CheckpointsDir returns the blob store root, defaulting under the data directory.
func (c *Config) CheckpointsDir() string {
	if c.Checkpoints.Dir != "" {
		return c.Checkpoints.Dir
	}
	return filepath.Join(c.ResolvedDataDir(), "checkpoints")
}

// USKernelDir returns the userspace-kernel backend root, defaulting under the data directory.
func (c *Config) USKernelDir() string {
	if c.Backends.USKernel != nil && c.Backends.USKernel.BaseDir != "" {
		return c.Backends.USKernel.BaseDir
	}
	return filepath.Join(c.ResolvedDataDir(), "uskernel")
}

// MicroVMDir returns the micro-VM staging root, defaulting under the data directory.
func (c *Config) MicroVMDir() string {
	if c.Backends.MicroVM != nil && c.Backends.MicroVM.BaseDir != "" {
		return c.Backends.MicroVM.BaseDir
	}
	return filepath.Join(c.ResolvedDataDir(), "microvm")
}

func (c *Config) validate() error {
	uskOn := c.Backends.USKernel != nil && c.Backends.USKernel.Enabled
	vmOn := c.Backends.MicroVM != nil && c.Backends.MicroVM.Enabled
	if !uskOn && !vmOn {
		return fmt.Errorf("backends: at least one of uskernel or microvm must be enabled")
	}
	if c.Limits.MaxMemoryMB < 0 {
		return fmt.Errorf("limits.max_memory_mb must not be negative")
	}
	if c.Limits.MaxDiskMB < 0 {
		return fmt.Errorf("limits.max_disk_mb must not be negative")
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres", "memory":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres, or memory)", c.Storage.Driver)
		}
	}
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set ENCLAVE_DB_DSN env var)")
		}
	}
	// Policy rule validation.
	for i, r := range c.Policy.Rules {
		if r.Principal == "" {
			return fmt.Errorf("policy.rules[%d].principal is required (use \"*\" for any)", i)
		}
		if r.Action == "" {
			return fmt.Errorf("policy.rules[%d].action is required (use \"*\" for any)", i)
		}
		switch r.Effect {
		case "allow", "deny":
			// valid
		default:
			return fmt.Errorf("policy.rules[%d].effect must be allow or deny, got %q", i, r.Effect)
		}
	}
	return nil
}
