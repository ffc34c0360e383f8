package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
)

func (g *Gateway) handlePoolCreate(c *okapi.Context) error {
	principal := c.GetString("principal")
	if g.rateLimited(principal) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req PoolRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.PoolID == "" {
		return c.AbortBadRequest("pool_id is required")
	}
	if req.Template.ImageRef == "" {
		return c.AbortBadRequest("template.image_ref is required")
	}

	cfg := req.ToConfig()
	g.logger.Info("http pool create",
		slog.String("principal", principal),
		slog.String("pool", cfg.PoolID),
		slog.Int("min_ready", cfg.MinReady),
		slog.Int("max_ready", cfg.MaxReady),
	)

	if err := g.pools.Create(c.Context(), cfg); err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusCreated, poolResponse(&cfg))
}

func (g *Gateway) handlePoolList(c *okapi.Context) error {
	configs, err := g.pools.List(c.Context())
	if err != nil {
		return apiError(c, err)
	}
	resp := make([]PoolResponse, len(configs))
	for i, cfg := range configs {
		resp[i] = poolResponse(cfg)
	}
	return c.OK(resp)
}

func (g *Gateway) handlePoolGet(c *okapi.Context) error {
	cfg, err := g.pools.Get(c.Context(), c.Param("id"))
	if err != nil {
		return apiError(c, err)
	}
	return c.OK(poolResponse(cfg))
}

func (g *Gateway) handlePoolDelete(c *okapi.Context) error {
	principal := c.GetString("principal")
	poolID := c.Param("id")

	g.logger.Info("http pool delete",
		slog.String("principal", principal),
		slog.String("pool", poolID),
	)

	if err := g.pools.Delete(c.Context(), poolID); err != nil {
		return apiError(c, err)
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handlePoolClaim(c *okapi.Context) error {
	principal := c.GetString("principal")
	if g.spawnLimited(principal) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	poolID := c.Param("id")

	var req SandboxSpecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	correlationID := newCorrelationID()
	spec := req.ToSpec(principal)

	g.logger.Info("http pool claim",
		slog.String("principal", principal),
		slog.String("correlation_id", correlationID),
		slog.String("pool", poolID),
	)

	handle, err := g.pools.Claim(c.Context(), poolID, spec)
	if err != nil {
		return apiError(c, err)
	}
	return c.OK(sandboxResponse(handle))
}

func (g *Gateway) handlePoolRelease(c *okapi.Context) error {
	principal := c.GetString("principal")
	poolID := c.Param("id")

	var req ReleaseRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	sandboxID, err := uuid.Parse(req.SandboxID)
	if err != nil {
		return c.AbortBadRequest("invalid sandbox ID")
	}

	g.logger.Info("http pool release",
		slog.String("principal", principal),
		slog.String("pool", poolID),
		slog.String("sandbox_id", sandboxID.String()),
	)

	if err := g.pools.Release(c.Context(), poolID, sandboxID); err != nil {
		return apiError(c, err)
	}
	return c.OK(map[string]string{"status": "released"})
}

func (g *Gateway) handlePoolStats(c *okapi.Context) error {
	stats, err := g.pools.Stats(c.Context(), c.Param("id"))
	if err != nil {
		return apiError(c, err)
	}
	return c.OK(poolStatsResponse(stats))
}
