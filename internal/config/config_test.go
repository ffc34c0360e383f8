package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
data_dir: /tmp/enclave-test
backends:
  uskernel:
    enabled: true
`

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", minimalYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/enclave-test" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Server.Addr() != ":8080" {
		t.Errorf("default addr = %q", cfg.Server.Addr())
	}
	if got := cfg.StoreConfig(); got.Driver != "sqlite" {
		t.Errorf("default driver = %q", got.Driver)
	}
	if cfg.Attestation.TTL() != 24*time.Hour {
		t.Errorf("default attestation ttl = %s", cfg.Attestation.TTL())
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"data_dir": "/tmp/enclave-test",
		"backends": {"microvm": {"enabled": true, "runtime": "kata"}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backends.MicroVM == nil || cfg.Backends.MicroVM.Runtime != "kata" {
		t.Errorf("microvm config = %+v", cfg.Backends.MicroVM)
	}
}

func TestNoBackendEnabled(t *testing.T) {
	path := writeConfig(t, "config.yaml", "data_dir: /tmp/x\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "at least one") {
		t.Fatalf("err = %v, want backend validation failure", err)
	}
}

func TestPostgresRequiresDSN(t *testing.T) {
	path := writeConfig(t, "config.yaml", minimalYAML+`
storage:
  driver: postgres
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "dsn") {
		t.Fatalf("err = %v, want dsn validation failure", err)
	}
}

func TestDSNEnvOverride(t *testing.T) {
	t.Setenv("ENCLAVE_DB_DSN", "postgres://enclave@localhost/enclave")
	path := writeConfig(t, "config.yaml", minimalYAML+`
storage:
  driver: postgres
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.StoreConfig().Postgres.DSN; got != "postgres://enclave@localhost/enclave" {
		t.Errorf("dsn = %q", got)
	}
}

func TestInvalidPolicyRule(t *testing.T) {
	path := writeConfig(t, "config.yaml", minimalYAML+`
policy:
  rules:
    - principal: agent-1
      action: sandbox.spawn
      effect: maybe
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "effect") {
		t.Fatalf("err = %v, want effect validation failure", err)
	}
}

func TestDerivedPaths(t *testing.T) {
	path := writeConfig(t, "config.yaml", minimalYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.DatabasePath(); got != "/tmp/enclave-test/enclave.db" {
		t.Errorf("db path = %q", got)
	}
	if got := cfg.AuditLogPath(); got != "/tmp/enclave-test/audit.jsonl" {
		t.Errorf("audit path = %q", got)
	}
	if got := cfg.ImagesDir(); got != "/tmp/enclave-test/images" {
		t.Errorf("images dir = %q", got)
	}
}
