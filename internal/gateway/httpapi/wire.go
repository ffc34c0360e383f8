package httpapi

import (
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/enclave/internal/apierrors"
	"github.com/jkaninda/enclave/internal/backend"
	"github.com/jkaninda/enclave/internal/domain"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// SandboxSpecRequest is the JSON body describing a sandbox to create or
// claim. Durations are carried in seconds on the wire.
type SandboxSpecRequest struct {
	ImageRef           string                `json:"image_ref"`
	Requester          domain.Identity       `json:"requester"`
	DelegationChain    []domain.Identity     `json:"delegation_chain"`
	Runtime            string                `json:"runtime,omitempty"` // "uskernel" (default) or "microvm".
	Limits             domain.ResourceLimits `json:"limits,omitempty"`
	Network            *domain.NetworkPolicy `json:"network,omitempty"`
	Secrets            []domain.SecretRef    `json:"secrets,omitempty"`
	TTLSeconds         int                   `json:"ttl_seconds"`
	IdleTimeoutSeconds int                   `json:"idle_timeout_seconds,omitempty"`
}

// ToSpec converts the wire request into a domain spec. The authenticated
// principal becomes the requester when the request leaves it blank.
func (r SandboxSpecRequest) ToSpec(principal string) domain.SandboxSpec {
	spec := domain.SandboxSpec{
		ImageRef:        r.ImageRef,
		Requester:       r.Requester,
		DelegationChain: domain.DelegationChain(r.DelegationChain),
		Runtime:         domain.RuntimeClass(r.Runtime),
		Limits:          r.Limits,
		Secrets:         r.Secrets,
		TTL:             time.Duration(r.TTLSeconds) * time.Second,
		IdleTimeout:     time.Duration(r.IdleTimeoutSeconds) * time.Second,
	}
	if r.Network != nil {
		spec.Network = *r.Network
	}
	if spec.Runtime == "" {
		spec.Runtime = domain.RuntimeUserKernel
	}
	if spec.Requester.ID == "" {
		spec.Requester = domain.Identity{ID: principal, Kind: "agent"}
	}
	return spec
}

// SandboxResponse is the JSON representation of a live sandbox.
type SandboxResponse struct {
	ID          string              `json:"id"`
	Identity    domain.Identity     `json:"identity"`
	Runtime     string              `json:"runtime"`
	Phase       string              `json:"phase"`
	Reason      string              `json:"reason,omitempty"`
	Attestation *domain.Attestation `json:"attestation,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

func sandboxResponse(h *domain.SandboxHandle) SandboxResponse {
	return SandboxResponse{
		ID:          h.ID.String(),
		Identity:    h.Identity,
		Runtime:     string(h.Runtime),
		Phase:       string(h.Status.Phase),
		Reason:      h.Status.Reason,
		Attestation: h.Attestation,
		CreatedAt:   h.CreatedAt,
	}
}

// ExecRequestBody is the JSON body for POST /v1/sandboxes/{id}/exec.
type ExecRequestBody struct {
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// ExecResponse is the JSON result of a completed command.
type ExecResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

func execResponse(res *backend.ExecResult) ExecResponse {
	return ExecResponse{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
	}
}

// CheckpointResponse is the JSON representation of checkpoint metadata.
type CheckpointResponse struct {
	ID        string          `json:"id"`
	SandboxID string          `json:"sandbox_id"`
	Identity  domain.Identity `json:"identity"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func checkpointResponse(meta *domain.CheckpointMetadata) CheckpointResponse {
	return CheckpointResponse{
		ID:        meta.ID.String(),
		SandboxID: meta.SandboxID.String(),
		Identity:  meta.Identity,
		CreatedAt: meta.CreatedAt,
		ExpiresAt: meta.ExpiresAt,
	}
}

// PoolRequest is the JSON body for POST /v1/pools.
type PoolRequest struct {
	PoolID         string             `json:"pool_id"`
	Template       SandboxSpecRequest `json:"template"`
	MinReady       int                `json:"min_ready"`
	MaxReady       int                `json:"max_ready"`
	MaxAgeSeconds  int                `json:"max_age_seconds,omitempty"`
	Reusable       bool               `json:"reusable"`
	HeadroomFactor float64            `json:"headroom_factor,omitempty"` // >0 enables autoscaling.
}

// ToConfig converts the wire request into a pool configuration.
func (r PoolRequest) ToConfig() domain.WarmPoolConfig {
	cfg := domain.WarmPoolConfig{
		PoolID:   r.PoolID,
		Template: r.Template.ToSpec(""),
		MinReady: r.MinReady,
		MaxReady: r.MaxReady,
		MaxAge:   time.Duration(r.MaxAgeSeconds) * time.Second,
		Reusable: r.Reusable,
	}
	// The template carries no principal; claims bind one later.
	cfg.Template.Requester = domain.Identity{}
	if r.HeadroomFactor > 0 {
		cfg.Autoscale = &domain.AutoscaleConfig{
			HeadroomFactor: r.HeadroomFactor,
			EvalInterval:   30 * time.Second,
		}
	}
	return cfg
}

// PoolResponse is the JSON representation of a pool configuration.
type PoolResponse struct {
	PoolID   string `json:"pool_id"`
	ImageRef string `json:"image_ref"`
	Runtime  string `json:"runtime"`
	MinReady int    `json:"min_ready"`
	MaxReady int    `json:"max_ready"`
	Reusable bool   `json:"reusable"`
}

func poolResponse(cfg *domain.WarmPoolConfig) PoolResponse {
	return PoolResponse{
		PoolID:   cfg.PoolID,
		ImageRef: cfg.Template.ImageRef,
		Runtime:  string(cfg.Template.Runtime),
		MinReady: cfg.MinReady,
		MaxReady: cfg.MaxReady,
		Reusable: cfg.Reusable,
	}
}

// PoolStatsResponse is the JSON representation of pool occupancy.
type PoolStatsResponse struct {
	PoolID      string    `json:"pool_id"`
	Warming     int       `json:"warming"`
	Ready       int       `json:"ready"`
	Claimed     int       `json:"claimed"`
	Evicting    int       `json:"evicting"`
	ClaimRate   float64   `json:"claim_rate_per_second"`
	OldestReady time.Time `json:"oldest_ready,omitempty"`
}

func poolStatsResponse(s *domain.PoolStatistics) PoolStatsResponse {
	return PoolStatsResponse{
		PoolID:      s.PoolID,
		Warming:     s.WarmingCount,
		Ready:       s.ReadyCount,
		Claimed:     s.ClaimedCount,
		Evicting:    s.EvictingCount,
		ClaimRate:   s.ClaimRate,
		OldestReady: s.OldestReady,
	}
}

// ReleaseRequest is the JSON body for POST /v1/pools/{id}/release.
type ReleaseRequest struct {
	SandboxID string `json:"sandbox_id"`
}

// VerifyRequest is the JSON body for POST /v1/attestations/verify.
type VerifyRequest struct {
	Attestation domain.Attestation `json:"attestation"`
}

// VerifyResponse is the JSON verdict for an attestation document.
type VerifyResponse struct {
	Status string `json:"status"` // "valid", "expired", or "invalid".
	Reason string `json:"reason,omitempty"`
}

// apiError translates a typed error into its HTTP response. Unknown
// errors become an opaque 500 so internals never leak to callers.
func apiError(c *okapi.Context, err error) error {
	apiErr := apierrors.AsError(err)
	body := ErrorBody{
		Error:   apiErr.Message,
		Code:    string(apiErr.Code),
		Details: apiErr.Details,
	}
	if apiErr.Code == apierrors.CodeInternal {
		// Never leak the underlying cause.
		body.Details = nil
	}
	return c.JSON(apiErr.HTTPStatus(), body)
}
