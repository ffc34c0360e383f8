package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/enclave/internal/backend"
)

func (g *Gateway) handleSandboxCreate(c *okapi.Context) error {
	principal := c.GetString("principal")
	if g.spawnLimited(principal) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req SandboxSpecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ImageRef == "" {
		return c.AbortBadRequest("image_ref is required")
	}

	correlationID := newCorrelationID()
	spec := req.ToSpec(principal)

	g.logger.Info("http spawn",
		slog.String("principal", principal),
		slog.String("correlation_id", correlationID),
		slog.String("image", spec.ImageRef),
		slog.String("runtime", string(spec.Runtime)),
	)

	handle, err := g.manager.Spawn(c.Context(), spec)
	if err != nil {
		g.logger.Error("spawn failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return apiError(c, err)
	}

	return c.JSON(http.StatusCreated, sandboxResponse(handle))
}

func (g *Gateway) handleSandboxList(c *okapi.Context) error {
	principal := c.GetString("principal")
	if g.rateLimited(principal) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	handles := g.manager.List(c.Context())
	resp := make([]SandboxResponse, len(handles))
	for i, h := range handles {
		resp[i] = sandboxResponse(h)
	}
	return c.OK(resp)
}

func (g *Gateway) handleSandboxGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid sandbox ID")
	}

	handle, err := g.manager.Get(c.Context(), id)
	if err != nil {
		return apiError(c, err)
	}
	return c.OK(sandboxResponse(handle))
}

func (g *Gateway) handleSandboxTerminate(c *okapi.Context) error {
	principal := c.GetString("principal")
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid sandbox ID")
	}

	g.logger.Info("http terminate",
		slog.String("principal", principal),
		slog.String("sandbox_id", id.String()),
	)

	if err := g.manager.Terminate(c.Context(), id, "api request"); err != nil {
		return apiError(c, err)
	}
	return c.OK(map[string]string{"status": "terminated"})
}

func (g *Gateway) handleSandboxExec(c *okapi.Context) error {
	principal := c.GetString("principal")
	if g.rateLimited(principal) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid sandbox ID")
	}

	var req ExecRequestBody
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Command) == 0 {
		return c.AbortBadRequest("command is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http exec",
		slog.String("principal", principal),
		slog.String("correlation_id", correlationID),
		slog.String("sandbox_id", id.String()),
	)

	result, err := g.manager.Exec(c.Context(), id, backend.ExecRequest{
		Command: req.Command,
		Env:     req.Env,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return apiError(c, err)
	}
	return c.OK(execResponse(result))
}

func (g *Gateway) handleAttestationGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid sandbox ID")
	}

	handle, err := g.manager.Get(c.Context(), id)
	if err != nil {
		return apiError(c, err)
	}
	if handle.Attestation == nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "sandbox has no attestation"})
	}
	return c.OK(handle.Attestation)
}

func (g *Gateway) handleAttestationVerify(c *okapi.Context) error {
	if g.attestor == nil {
		return c.AbortServiceUnavailable("attestation verification not configured")
	}

	var req VerifyRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Attestation.Signature.KeyID == "" {
		return c.AbortBadRequest("attestation signature is required")
	}

	verdict := g.attestor.Verify(&req.Attestation)
	return c.OK(VerifyResponse{
		Status: string(verdict.Status),
		Reason: verdict.Reason,
	})
}
