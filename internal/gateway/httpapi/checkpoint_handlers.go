package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
)

func (g *Gateway) handleCheckpointCreate(c *okapi.Context) error {
	principal := c.GetString("principal")
	if g.spawnLimited(principal) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid sandbox ID")
	}

	g.logger.Info("http checkpoint",
		slog.String("principal", principal),
		slog.String("sandbox_id", id.String()),
	)

	meta, err := g.manager.Checkpoint(c.Context(), id)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusCreated, checkpointResponse(meta))
}

func (g *Gateway) handleCheckpointList(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid sandbox ID")
	}

	metas, err := g.manager.ListCheckpoints(c.Context(), id)
	if err != nil {
		return apiError(c, err)
	}
	resp := make([]CheckpointResponse, len(metas))
	for i, meta := range metas {
		resp[i] = checkpointResponse(meta)
	}
	return c.OK(resp)
}

func (g *Gateway) handleCheckpointRestore(c *okapi.Context) error {
	principal := c.GetString("principal")
	if g.spawnLimited(principal) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid checkpoint ID")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http restore",
		slog.String("principal", principal),
		slog.String("correlation_id", correlationID),
		slog.String("checkpoint_id", id.String()),
	)

	handle, err := g.manager.Restore(c.Context(), id)
	if err != nil {
		g.logger.Error("restore failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return apiError(c, err)
	}
	return c.JSON(http.StatusCreated, sandboxResponse(handle))
}
