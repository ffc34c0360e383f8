// Package httpapi implements the HTTP API gateway for the sandbox core.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 4 MB)
//   - Per-principal rate limiting via token bucket; provisioning
//     operations (spawn, claim, restore) cost extra tokens
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/enclave/internal/attestation"
	"github.com/jkaninda/enclave/internal/gateway"
	"github.com/jkaninda/enclave/internal/manager"
	"github.com/jkaninda/enclave/internal/observability"
	"github.com/jkaninda/enclave/internal/pool"
	"github.com/jkaninda/enclave/internal/ratelimit"
)

const defaultMaxRequestSize = 4 << 20 // 4 MB

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → principal ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 4 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	manager  *manager.Manager
	pools    *pool.Manager
	attestor *attestation.Service
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket exec endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, mgr *manager.Manager, pools *pool.Manager, attestor *attestation.Service, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxBody := cfg.MaxRequestSize
	if maxBody <= 0 {
		maxBody = defaultMaxRequestSize
	}
	return &Gateway{
		config:   cfg,
		manager:  mgr,
		pools:    pools,
		attestor: attestor,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(maxBody)),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Useful for adding the WebSocket exec endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs serves interactive API documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Enclave",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group with metrics/tracing middleware.
	middlewares := []okapi.Middleware{g.authenticate}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append([]okapi.Middleware{observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer)}, middlewares...)
	}
	g.group = g.okapi.Group("/v1", middlewares...)

	// Sandbox endpoints.
	g.group.Post("/sandboxes", g.handleSandboxCreate,
		okapi.DocSummary("Create a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(SandboxSpecRequest{}),
		okapi.DocResponse(http.StatusCreated, SandboxResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/sandboxes", g.handleSandboxList,
		okapi.DocSummary("List live sandboxes"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]SandboxResponse{}),
	)
	g.group.Get("/sandboxes/{id}", g.handleSandboxGet,
		okapi.DocSummary("Get a sandbox by ID"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sandboxes/{id}", g.handleSandboxTerminate,
		okapi.DocSummary("Terminate a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/exec", g.handleSandboxExec,
		okapi.DocSummary("Run a command inside a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocRequestBody(ExecRequestBody{}),
		okapi.DocResponse(ExecResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/sandboxes/{id}/attestation", g.handleAttestationGet,
		okapi.DocSummary("Get a sandbox's attestation document"),
		okapi.DocTags("Attestations"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/attestations/verify", g.handleAttestationVerify,
		okapi.DocSummary("Verify an attestation document"),
		okapi.DocTags("Attestations"),
		okapi.DocRequestBody(VerifyRequest{}),
		okapi.DocResponse(VerifyResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Checkpoint endpoints.
	g.group.Post("/sandboxes/{id}/checkpoints", g.handleCheckpointCreate,
		okapi.DocSummary("Checkpoint a sandbox"),
		okapi.DocTags("Checkpoints"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(http.StatusCreated, CheckpointResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/sandboxes/{id}/checkpoints", g.handleCheckpointList,
		okapi.DocSummary("List checkpoints of a sandbox"),
		okapi.DocTags("Checkpoints"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse([]CheckpointResponse{}),
	)
	g.group.Post("/checkpoints/{id}/restore", g.handleCheckpointRestore,
		okapi.DocSummary("Restore a checkpoint into a new sandbox"),
		okapi.DocTags("Checkpoints"),
		okapi.DocPathParam("id", "string", "Checkpoint ID (UUID)"),
		okapi.DocResponse(http.StatusCreated, SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// Warm pool endpoints (only if pool management is configured).
	if g.pools != nil {
		g.group.Post("/pools", g.handlePoolCreate,
			okapi.DocSummary("Create a warm pool"),
			okapi.DocTags("Pools"),
			okapi.DocRequestBody(PoolRequest{}),
			okapi.DocResponse(http.StatusCreated, PoolResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
		g.group.Get("/pools", g.handlePoolList,
			okapi.DocSummary("List warm pools"),
			okapi.DocTags("Pools"),
			okapi.DocResponse([]PoolResponse{}),
		)
		g.group.Get("/pools/{id}", g.handlePoolGet,
			okapi.DocSummary("Get a warm pool by ID"),
			okapi.DocTags("Pools"),
			okapi.DocPathParam("id", "string", "Pool ID"),
			okapi.DocResponse(PoolResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Delete("/pools/{id}", g.handlePoolDelete,
			okapi.DocSummary("Delete a warm pool and evict its members"),
			okapi.DocTags("Pools"),
			okapi.DocPathParam("id", "string", "Pool ID"),
			okapi.DocResponse(map[string]string{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Post("/pools/{id}/claim", g.handlePoolClaim,
			okapi.DocSummary("Claim a ready sandbox from a pool"),
			okapi.DocTags("Pools"),
			okapi.DocPathParam("id", "string", "Pool ID"),
			okapi.DocRequestBody(SandboxSpecRequest{}),
			okapi.DocResponse(SandboxResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		)
		g.group.Post("/pools/{id}/release", g.handlePoolRelease,
			okapi.DocSummary("Release a claimed sandbox back to its pool"),
			okapi.DocTags("Pools"),
			okapi.DocPathParam("id", "string", "Pool ID"),
			okapi.DocRequestBody(ReleaseRequest{}),
			okapi.DocResponse(map[string]string{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
		g.group.Get("/pools/{id}/stats", g.handlePoolStats,
			okapi.DocSummary("Get pool occupancy statistics"),
			okapi.DocTags("Pools"),
			okapi.DocPathParam("id", "string", "Pool ID"),
			okapi.DocResponse(PoolStatsResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Extra handlers (e.g., the WebSocket exec endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for the health probes.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped principal ID on
// the request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		principal := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				principal = id
			}
		}
		if principal == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("principal", principal)
		return next(c)
	}
}

// rateLimited charges one token for an ordinary request and reports
// whether the principal is over quota.
func (g *Gateway) rateLimited(principal string) bool {
	return g.limiter != nil && g.limiter.Allow(principal) != nil
}

// spawnLimited charges the higher provisioning cost for operations that
// allocate backend capacity.
func (g *Gateway) spawnLimited(principal string) bool {
	return g.limiter != nil && g.limiter.AllowSpawn(principal) != nil
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
