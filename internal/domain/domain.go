// Package domain defines the entity types shared across the orchestration core:
// sandbox specifications, lifecycle status, network policy, warm-pool membership,
// attestations, and checkpoint metadata.
package domain

import (
	"fmt"
	"net"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/enclave/internal/apierrors"
)

// RuntimeClass selects the isolation model for a sandbox. The selection is
// made once at spawn time and is immutable for the sandbox's life.
type RuntimeClass string

const (
	// RuntimeUserKernel is the user-space-kernel model: reduced syscall
	// surface, fast startup, user-space network interception.
	RuntimeUserKernel RuntimeClass = "uskernel"
	// RuntimeMicroVM is the lightweight-VM model: full kernel fidelity,
	// stronger isolation, slower startup, guest-level packet filtering.
	RuntimeMicroVM RuntimeClass = "microvm"
)

// Valid reports whether the runtime class names a known isolation model.
func (r RuntimeClass) Valid() bool {
	return r == RuntimeUserKernel || r == RuntimeMicroVM
}

// Identity names a principal in the delegation chain. Kind distinguishes
// acting agents from the accountable human at the root of the chain.
type Identity struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // "agent", "service", or "human".
	Name string `json:"name,omitempty"`
}

// DelegationChain is the ordered lineage of identities from the acting agent
// up to an accountable human principal.
type DelegationChain []Identity

// Validate requires a non-empty chain terminating in a human principal.
func (c DelegationChain) Validate() error {
	if len(c) == 0 {
		return apierrors.Validation("delegation chain is empty")
	}
	for i, id := range c {
		if id.ID == "" {
			return apierrors.Validation("delegation chain entry %d has no id", i)
		}
	}
	if c[len(c)-1].Kind != "human" {
		return apierrors.Validation("delegation chain must terminate in a human principal, got %q", c[len(c)-1].Kind)
	}
	return nil
}

// Default resource limits applied when a spec leaves a field zero.
const (
	DefaultCPUMillis   = 1000
	DefaultMemoryBytes = 2 << 30  // 2 GiB
	DefaultDiskBytes   = 10 << 30 // 10 GiB
	DefaultPIDLimit    = 1024
)

// ResourceLimits constrains a sandbox. All values must be strictly positive
// after defaulting; memory and disk are bounded by configured maxima.
type ResourceLimits struct {
	CPUMillis    int   `json:"cpu_millis"`
	MemoryBytes  int64 `json:"memory_bytes"`
	DiskBytes    int64 `json:"disk_bytes"`
	PIDLimit     int   `json:"pid_limit"`
	BandwidthBPS int64 `json:"bandwidth_bps,omitempty"` // 0 = uncapped.
}

// LimitCaps are the deployment-wide maxima a spec may not exceed.
type LimitCaps struct {
	MaxMemoryBytes int64
	MaxDiskBytes   int64
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (l ResourceLimits) WithDefaults() ResourceLimits {
	if l.CPUMillis == 0 {
		l.CPUMillis = DefaultCPUMillis
	}
	if l.MemoryBytes == 0 {
		l.MemoryBytes = DefaultMemoryBytes
	}
	if l.DiskBytes == 0 {
		l.DiskBytes = DefaultDiskBytes
	}
	if l.PIDLimit == 0 {
		l.PIDLimit = DefaultPIDLimit
	}
	return l
}

// Validate checks positivity and the configured caps.
func (l ResourceLimits) Validate(caps LimitCaps) error {
	if l.CPUMillis <= 0 {
		return apierrors.Validation("cpu_millis must be positive, got %d", l.CPUMillis)
	}
	if l.MemoryBytes <= 0 {
		return apierrors.Validation("memory_bytes must be positive, got %d", l.MemoryBytes)
	}
	if l.DiskBytes <= 0 {
		return apierrors.Validation("disk_bytes must be positive, got %d", l.DiskBytes)
	}
	if l.PIDLimit <= 0 {
		return apierrors.Validation("pid_limit must be positive, got %d", l.PIDLimit)
	}
	if l.BandwidthBPS < 0 {
		return apierrors.Validation("bandwidth_bps must not be negative, got %d", l.BandwidthBPS)
	}
	if caps.MaxMemoryBytes > 0 && l.MemoryBytes > caps.MaxMemoryBytes {
		return apierrors.Validation("memory_bytes %d exceeds maximum %d", l.MemoryBytes, caps.MaxMemoryBytes)
	}
	if caps.MaxDiskBytes > 0 && l.DiskBytes > caps.MaxDiskBytes {
		return apierrors.Validation("disk_bytes %d exceeds maximum %d", l.DiskBytes, caps.MaxDiskBytes)
	}
	return nil
}

// EgressAction is the outcome a network policy rule prescribes.
type EgressAction string

const (
	ActionAllow EgressAction = "allow"
	ActionDeny  EgressAction = "deny"
	// ActionRequireCheck defers the decision to the external policy service.
	ActionRequireCheck EgressAction = "require_policy_check"
)

// MatchKind identifies how a destination matcher interprets its value.
type MatchKind string

const (
	MatchCIDR       MatchKind = "cidr"        // CIDR block, e.g. "10.0.0.0/8".
	MatchDomainGlob MatchKind = "domain_glob" // Glob, e.g. "*.internal.example.com".
	MatchDomain     MatchKind = "domain"      // Exact domain.
	MatchService    MatchKind = "service"     // Named service from the service map.
)

// EgressRule pairs a destination matcher with an action. Rules are evaluated
// in declaration order; the first match wins.
type EgressRule struct {
	Kind   MatchKind    `json:"kind"`
	Value  string       `json:"value"`
	Action EgressAction `json:"action"`
}

// Validate checks the matcher value parses for its kind.
func (r EgressRule) Validate() error {
	switch r.Action {
	case ActionAllow, ActionDeny, ActionRequireCheck:
	default:
		return apierrors.Validation("unknown egress action %q", r.Action)
	}
	switch r.Kind {
	case MatchCIDR:
		if _, _, err := net.ParseCIDR(r.Value); err != nil {
			return apierrors.Validation("invalid CIDR %q: %v", r.Value, err)
		}
	case MatchDomainGlob:
		if _, err := path.Match(r.Value, "sample.example.com"); err != nil {
			return apierrors.Validation("invalid domain glob %q: %v", r.Value, err)
		}
	case MatchDomain, MatchService:
		if strings.TrimSpace(r.Value) == "" {
			return apierrors.Validation("empty %s matcher value", r.Kind)
		}
	default:
		return apierrors.Validation("unknown matcher kind %q", r.Kind)
	}
	return nil
}

// DNSPolicy constrains name resolution from inside a sandbox. Resolvers not
// on the allow-list are denied outright.
type DNSPolicy struct {
	AllowedResolvers []string `json:"allowed_resolvers,omitempty"`
	BlockedDomains   []string `json:"blocked_domains,omitempty"` // Globs, denied.
	CheckDomains     []string `json:"check_domains,omitempty"`   // Globs, require external policy check.
}

// NetworkPolicy is a default action plus an ordered rule list and an optional
// DNS policy. Unmatched destinations fall back to the default action.
type NetworkPolicy struct {
	DefaultAction EgressAction `json:"default_action"`
	Rules         []EgressRule `json:"rules,omitempty"`
	DNS           *DNSPolicy   `json:"dns,omitempty"`
}

// Validate checks the default action and every rule.
func (p NetworkPolicy) Validate() error {
	if p.DefaultAction != ActionAllow && p.DefaultAction != ActionDeny {
		return apierrors.Validation("network policy default action must be allow or deny, got %q", p.DefaultAction)
	}
	for i, r := range p.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("egress rule %d: %w", i, err)
		}
	}
	return nil
}

// DelegationScope bounds what a delegated secret may be used for.
type DelegationScope struct {
	Resource string        `json:"resource"`
	Actions  []string      `json:"actions"`
	TTL      time.Duration `json:"ttl"`
}

// SecretRef names a secret a sandbox needs. A nil Scope means a static
// reference resolved without delegation.
type SecretRef struct {
	Name  string           `json:"name"` // Environment name inside the sandbox.
	Ref   string           `json:"ref"`  // Opaque provider reference, e.g. "env://TOKEN".
	Scope *DelegationScope `json:"scope,omitempty"`
}

// SandboxSpec is the immutable creation input for a sandbox. It is validated
// once at creation and never mutated afterwards.
type SandboxSpec struct {
	ImageRef        string          `json:"image_ref"`
	Requester       Identity        `json:"requester"`
	DelegationChain DelegationChain `json:"delegation_chain"`
	Runtime         RuntimeClass    `json:"runtime"`
	Limits          ResourceLimits  `json:"limits"`
	Network         NetworkPolicy   `json:"network"`
	Secrets         []SecretRef     `json:"secrets,omitempty"`
	TTL             time.Duration   `json:"ttl"`
	IdleTimeout     time.Duration   `json:"idle_timeout"`
}

// Validate checks the full spec against the configured caps. Limits are
// defaulted in place before validation.
func (s *SandboxSpec) Validate(caps LimitCaps) error {
	if strings.TrimSpace(s.ImageRef) == "" {
		return apierrors.Validation("image_ref is required")
	}
	if s.Requester.ID == "" {
		return apierrors.Validation("requester identity is required")
	}
	if err := s.DelegationChain.Validate(); err != nil {
		return err
	}
	if !s.Runtime.Valid() {
		return apierrors.Validation("unknown runtime class %q", s.Runtime)
	}
	s.Limits = s.Limits.WithDefaults()
	if err := s.Limits.Validate(caps); err != nil {
		return err
	}
	if err := s.Network.Validate(); err != nil {
		return err
	}
	for i, ref := range s.Secrets {
		if ref.Name == "" || ref.Ref == "" {
			return apierrors.Validation("secret ref %d must have name and ref", i)
		}
	}
	if s.TTL <= 0 {
		return apierrors.Validation("ttl must be positive, got %s", s.TTL)
	}
	if s.IdleTimeout < 0 {
		return apierrors.Validation("idle_timeout must not be negative, got %s", s.IdleTimeout)
	}
	return nil
}

// Phase is a sandbox lifecycle state. Transitions are owned exclusively by
// the sandbox manager and are totally ordered per sandbox.
type Phase string

const (
	PhaseCreating      Phase = "creating"
	PhaseReady         Phase = "ready"
	PhaseRunning       Phase = "running"
	PhaseCheckpointing Phase = "checkpointing"
	PhaseCheckpointed  Phase = "checkpointed"
	PhaseTerminating   Phase = "terminating"
	PhaseTerminated    Phase = "terminated"
	PhaseFailed        Phase = "failed"
)

// Terminal reports whether no further transitions are possible from p.
// A failed sandbox is torn down by the manager as part of entering the
// failed state, so both endings are terminal.
func (p Phase) Terminal() bool { return p == PhaseTerminated || p == PhaseFailed }

// Status is a snapshot of a sandbox's lifecycle state. Reason is set for
// Terminated (why) and Failed (the error).
type Status struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

// SandboxHandle is the externally visible value for a live sandbox. It is
// immutable except for the Status snapshot refreshed on query.
type SandboxHandle struct {
	ID          uuid.UUID    `json:"id"`
	Identity    Identity     `json:"identity"`
	Runtime     RuntimeClass `json:"runtime"`
	Attestation *Attestation `json:"attestation,omitempty"`
	Status      Status       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
}
