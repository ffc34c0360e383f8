package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/enclave/internal/config"
	"github.com/jkaninda/enclave/internal/gateway/httpapi"
	"github.com/jkaninda/enclave/internal/gateway/ws"
)

var (
	serveConfigPath string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox orchestration server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `enclave --config path` and `enclave serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the orchestration core: state store, backends, warm pool
// maintenance, and the HTTP/WebSocket gateway.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("ENCLAVE_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveListenAddr != "" {
		cfg.Server.ListenAddr = serveListenAddr
	}

	logger.Info("starting enclave server", slog.String("config", serveConfigPath))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Pool maintenance loop.
	stopPools, err := sc.Pools.Start(ctx)
	if err != nil {
		return err
	}
	defer stopPools()

	// API keys: config map, with ENCLAVE_API_KEY as a single-principal
	// fallback for local deployments.
	apiKeys := cfg.Server.APIKeyPrincipals
	if len(apiKeys) == 0 {
		if key := os.Getenv("ENCLAVE_API_KEY"); key != "" {
			apiKeys = map[string]string{key: "default"}
		}
	}
	if len(apiKeys) == 0 {
		logger.Warn("no API keys configured, all requests will be rejected")
	}

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: cfg.Server.MaxRequestSize(),
	}
	if sc.Obs != nil {
		if sc.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			gwCfg.Metrics = sc.Obs.Metrics
		}
		if sc.Obs.Tracer != nil {
			gwCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		gwCfg.HealthChecker = sc.Obs.Health
	}

	wsServer := ws.NewServer(sc.Manager, apiKeys, logger)
	gw := httpapi.NewGateway(gwCfg, sc.Manager, sc.Pools, sc.Attestor, sc.Limiter, logger).
		WithHandler("/ws/exec", wsServer.Handler())

	// Run the gateway until a signal or server error.
	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}

	// Terminate live sandboxes before the backends go away.
	sc.Manager.Close(shutdownCtx)

	return nil
}
