package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/enclave/internal/apierrors"
)

func validSpec() SandboxSpec {
	return SandboxSpec{
		ImageRef:  "registry.example.com/runtime:latest",
		Requester: Identity{ID: "agent-1", Kind: "agent"},
		DelegationChain: DelegationChain{
			{ID: "agent-1", Kind: "agent"},
			{ID: "alice", Kind: "human"},
		},
		Runtime: RuntimeUserKernel,
		Network: NetworkPolicy{DefaultAction: ActionDeny},
		TTL:     10 * time.Minute,
	}
}

func TestSandboxSpecValidate_Defaults(t *testing.T) {
	spec := validSpec()
	if err := spec.Validate(LimitCaps{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.Limits.CPUMillis != DefaultCPUMillis {
		t.Errorf("cpu_millis = %d, want %d", spec.Limits.CPUMillis, DefaultCPUMillis)
	}
	if spec.Limits.MemoryBytes != DefaultMemoryBytes {
		t.Errorf("memory_bytes = %d, want %d", spec.Limits.MemoryBytes, DefaultMemoryBytes)
	}
	if spec.Limits.PIDLimit != DefaultPIDLimit {
		t.Errorf("pid_limit = %d, want %d", spec.Limits.PIDLimit, DefaultPIDLimit)
	}
}

func TestSandboxSpecValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SandboxSpec)
		wantMsg string
	}{
		{"empty image", func(s *SandboxSpec) { s.ImageRef = " " }, "image_ref"},
		{"no requester", func(s *SandboxSpec) { s.Requester = Identity{} }, "requester"},
		{"empty chain", func(s *SandboxSpec) { s.DelegationChain = nil }, "delegation chain"},
		{"chain without human", func(s *SandboxSpec) {
			s.DelegationChain = DelegationChain{{ID: "a", Kind: "agent"}}
		}, "human principal"},
		{"unknown runtime", func(s *SandboxSpec) { s.Runtime = "firecracker" }, "runtime class"},
		{"negative memory", func(s *SandboxSpec) { s.Limits.MemoryBytes = -1 }, "memory_bytes"},
		{"zero ttl", func(s *SandboxSpec) { s.TTL = 0 }, "ttl"},
		{"bad default action", func(s *SandboxSpec) {
			s.Network.DefaultAction = ActionRequireCheck
		}, "default action"},
		{"bad cidr rule", func(s *SandboxSpec) {
			s.Network.Rules = []EgressRule{{Kind: MatchCIDR, Value: "not-a-cidr", Action: ActionAllow}}
		}, "CIDR"},
		{"secret without ref", func(s *SandboxSpec) {
			s.Secrets = []SecretRef{{Name: "TOKEN"}}
		}, "secret ref"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)
			err := spec.Validate(LimitCaps{})
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !apierrors.IsCode(err, apierrors.CodeValidation) {
				t.Errorf("error code = %v, want VALIDATION_FAILED", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestResourceLimitsValidate_Caps(t *testing.T) {
	limits := ResourceLimits{}.WithDefaults()
	caps := LimitCaps{MaxMemoryBytes: 1 << 30, MaxDiskBytes: 100 << 30}
	if err := limits.Validate(caps); err == nil {
		t.Error("expected memory cap violation, got nil")
	}
}

func TestWarmPoolConfigValidate(t *testing.T) {
	tpl := validSpec()
	tpl.Requester = Identity{}
	tpl.DelegationChain = nil

	cfg := WarmPoolConfig{
		PoolID:   "default",
		Template: tpl,
		MinReady: 2,
		MaxReady: 10,
		MaxAge:   time.Hour,
	}
	if err := cfg.Validate(LimitCaps{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Template.Limits.CPUMillis != DefaultCPUMillis {
		t.Errorf("template limits not defaulted: %+v", cfg.Template.Limits)
	}

	bad := cfg
	bad.MinReady = 20
	if err := bad.Validate(LimitCaps{}); err == nil {
		t.Error("min_ready > max_ready accepted, want rejection")
	}

	bound := cfg
	bound.Template.Requester = Identity{ID: "agent-1", Kind: "agent"}
	if err := bound.Validate(LimitCaps{}); err == nil {
		t.Error("template with bound identity accepted, want rejection")
	}
}

func TestPhaseTerminal(t *testing.T) {
	if PhaseReady.Terminal() {
		t.Error("ready must not be terminal")
	}
	if !PhaseTerminated.Terminal() {
		t.Error("terminated must be terminal")
	}
	if !PhaseFailed.Terminal() {
		t.Error("failed must be terminal")
	}
	if PhaseCheckpointed.Terminal() {
		t.Error("checkpointed must not be terminal, ttl teardown still applies")
	}
}
