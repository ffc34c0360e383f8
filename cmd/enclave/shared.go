package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/enclave/internal/attestation"
	"github.com/jkaninda/enclave/internal/audit"
	"github.com/jkaninda/enclave/internal/backend"
	"github.com/jkaninda/enclave/internal/checkpoint"
	"github.com/jkaninda/enclave/internal/config"
	"github.com/jkaninda/enclave/internal/domain"
	"github.com/jkaninda/enclave/internal/egress"
	"github.com/jkaninda/enclave/internal/identity"
	"github.com/jkaninda/enclave/internal/imagesource"
	"github.com/jkaninda/enclave/internal/manager"
	"github.com/jkaninda/enclave/internal/observability"
	"github.com/jkaninda/enclave/internal/policy"
	"github.com/jkaninda/enclave/internal/pool"
	"github.com/jkaninda/enclave/internal/ratelimit"
	"github.com/jkaninda/enclave/internal/secrets"
	"github.com/jkaninda/enclave/internal/statestore"
)

// SharedComponents holds all initialized subsystems the server mode
// requires. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  statestore.Store

	Obs         *observability.Observability // nil = observability disabled.
	Auditor     *audit.Emitter
	Backends    *backend.Registry
	Images      *imagesource.LocalStore
	Policy      policy.Checker
	Attestor    *attestation.Service
	Egress      *egress.Controller
	EgressProxy *egress.Proxy
	Manager     *manager.Manager
	Pools       *pool.Manager
	Limiter     *ratelimit.Limiter

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared builds every subsystem in dependency order. Callers must call
// sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Data directory.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	if obs != nil {
		sc.addCleanup(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		})
	}

	var reg prometheus.Registerer
	if mc := obs.MetricsOrNil(); mc != nil {
		reg = mc.Registry
	}

	// State store.
	store, err := statestore.Open(cfg.StoreConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrating state store: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() { _ = store.Close() })
	logger.Debug("state store initialized", slog.String("driver", store.Driver()))

	// Audit trail: always a local JSONL file, plus the database when the
	// store is database-backed.
	auditPath := cfg.Audit.LogPath
	if auditPath == "" {
		auditPath = cfg.AuditLogPath()
	}
	jsonl, err := audit.NewJSONLRecorder(auditPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", auditPath, err)
	}
	sc.addCleanup(func() { _ = jsonl.Close() })
	var recorder audit.Recorder = jsonl
	if repo := statestore.NewAuditRepository(store); repo != nil {
		recorder = audit.MultiRecorder{jsonl, repo}
	}
	sc.Auditor = audit.NewEmitter(recorder, logger)
	logger.Debug("audit trail initialized", slog.String("path", auditPath))

	// Isolation backends.
	var backends []backend.Backend
	if cfg.Backends.USKernel != nil && cfg.Backends.USKernel.Enabled {
		baseDir := cfg.Backends.USKernel.BaseDir
		if baseDir == "" {
			baseDir = cfg.USKernelDir()
		}
		usk := backend.NewUSKernel(backend.USKernelConfig{
			BaseDir:      baseDir,
			ExecTimeout:  cfg.Backends.USKernel.ExecTimeout(),
			MaxSandboxes: cfg.Backends.USKernel.MaxSandboxes,
		}, logger)
		backends = append(backends, instrumented(backend.NewBreaker(usk, backend.BreakerOptions{}), obs))
	}
	if cfg.Backends.MicroVM != nil && cfg.Backends.MicroVM.Enabled {
		baseDir := cfg.Backends.MicroVM.BaseDir
		if baseDir == "" {
			baseDir = cfg.MicroVMDir()
		}
		mvm := backend.NewMicroVM(backend.MicroVMConfig{
			Runtime:      cfg.Backends.MicroVM.Runtime,
			BaseDir:      baseDir,
			ExecTimeout:  cfg.Backends.MicroVM.ExecTimeout(),
			MaxSandboxes: cfg.Backends.MicroVM.MaxSandboxes,
		}, logger)
		backends = append(backends, instrumented(backend.NewBreaker(mvm, backend.BreakerOptions{}), obs))
	}
	registry := backend.NewRegistry(backends...)
	logger.Debug("isolation backends initialized", slog.Int("count", len(backends)))

	// Image store.
	imagesDir := cfg.Images.BaseDir
	if imagesDir == "" {
		imagesDir = cfg.ImagesDir()
	}
	sc.Images = imagesource.NewLocalStore(imagesDir, logger)

	// Identity and secrets.
	idClient := identity.NewStatic(nil)
	resolver := secrets.NewResolver(
		secrets.NewCompositeProvider(secrets.NewEnvProvider()),
		idClient,
	)

	// Policy chain: static rules, deny-on-timeout, instrumentation.
	var checker policy.Checker = policy.NewStaticChecker(cfg.Policy.Rules)
	checker = policy.NewDenyOnTimeout(checker, cfg.Policy.CheckTimeout(), logger)
	if obs != nil {
		checker = observability.NewInstrumentedChecker(checker, obs.Metrics, obs.Tracer, obs.Anomaly)
	}
	sc.Policy = checker

	// Attestation.
	keyring, err := attestation.NewKeyring(cfg.Attestation.RotationOverlap())
	if err != nil {
		return nil, fmt.Errorf("generating attestation keys: %w", err)
	}
	sc.Attestor = attestation.NewService(keyring)

	// Checkpoint vault.
	blobs, err := checkpoint.NewFSStore(cfg.CheckpointsDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("initializing checkpoint store: %w", err)
	}
	vault := checkpoint.NewVault(blobs)

	// Egress control: the controller decides, the proxy is the listener
	// every sandbox's outbound traffic routes through.
	sc.Egress = egress.NewController(checker, sc.Auditor, logger, reg, egress.Options{CacheTTL: cfg.Egress.CacheTTL()})
	sc.EgressProxy = egress.NewProxy(sc.Egress, logger)
	if err := sc.EgressProxy.Start(cfg.Egress.ProxyListenAddr); err != nil {
		return nil, fmt.Errorf("starting egress proxy: %w", err)
	}
	sc.addCleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sc.EgressProxy.Stop(stopCtx)
	})

	caps := domain.LimitCaps{
		MaxMemoryBytes: cfg.Limits.MaxMemoryMB << 20,
		MaxDiskBytes:   cfg.Limits.MaxDiskMB << 20,
	}

	// Sandbox manager.
	sc.Manager = manager.New(manager.Deps{
		Backends:    registry,
		Images:      sc.Images,
		Store:       store,
		Secrets:     resolver,
		Identity:    idClient,
		Policy:      checker,
		Attest:      sc.Attestor,
		Vault:       vault,
		Egress:      sc.Egress,
		EgressProxy: sc.EgressProxy,
		Audit:       sc.Auditor,
		Logger:      logger,
		Metrics:     manager.NewMetrics(reg),
	}, manager.Options{
		Caps:                caps,
		AttestationTTL:      cfg.Attestation.TTL(),
		CheckpointRetention: cfg.Checkpoints.Retention(),
	})

	// Warm pools.
	sc.Pools = pool.New(store, sc.Manager, sc.Auditor, logger, reg, caps, pool.Options{
		ClaimGrace:          cfg.Pools.ClaimGrace(),
		MaintenanceInterval: cfg.Pools.MaintenanceInterval(),
	})

	// Rate limiting.
	sc.Limiter = ratelimit.NewLimiter(cfg.Server.RateLimit)

	// Readiness checks.
	if obs != nil {
		obs.Health.AddCheck("state store", func(ctx context.Context) error {
			_, err := store.ListPoolConfigs(ctx)
			return err
		})
		obs.Health.AddCheck("backends", func(context.Context) error {
			if len(registry.Classes()) == 0 {
				return fmt.Errorf("no isolation backends registered")
			}
			return nil
		})
	}

	return sc, nil
}

// instrumented wraps a backend with tracing and anomaly detection when
// observability is enabled.
func instrumented(be backend.Backend, obs *observability.Observability) backend.Backend {
	if obs == nil {
		return be
	}
	return observability.NewInstrumentedBackend(be, obs.TracerOrNil(), obs.Anomaly)
}
