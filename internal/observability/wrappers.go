package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/enclave/internal/backend"
	"github.com/jkaninda/enclave/internal/domain"
	"github.com/jkaninda/enclave/internal/policy"
)

// --- InstrumentedChecker ---

// InstrumentedChecker wraps a policy.Checker with metrics, tracing, and
// anomaly detection.
type InstrumentedChecker struct {
	inner   policy.Checker
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedChecker wraps a policy checker with observability.
func NewInstrumentedChecker(inner policy.Checker, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedChecker {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedChecker{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (c *InstrumentedChecker) Check(ctx context.Context, principal, action, resource string) (policy.Decision, error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "policy.check",
			trace.WithAttributes(
				attribute.String("policy.principal", principal),
				attribute.String("policy.action", action),
			))
		defer span.End()
	}

	decision, err := c.inner.Check(ctx, principal, action, resource)

	if c.metrics != nil {
		result := "allowed"
		if err != nil {
			result = "error"
		} else if decision != policy.Allow {
			result = "denied"
		}
		c.metrics.PolicyChecksTotal.WithLabelValues(action, result).Inc()
	}
	if c.anomaly != nil && action == policy.ActionEgress {
		c.anomaly.RecordEgressDecision(principal, err == nil && decision == policy.Allow)
	}
	if err != nil && c.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return decision, err
}

// --- InstrumentedBackend ---

// InstrumentedBackend wraps a backend.Backend with tracing and anomaly
// detection on the provisioning-heavy operations. Cheap calls delegate
// without instrumentation.
type InstrumentedBackend struct {
	inner   backend.Backend
	runtime string
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedBackend wraps a backend with observability.
func NewInstrumentedBackend(inner backend.Backend, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedBackend {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedBackend{
		inner:   inner,
		runtime: string(inner.Capabilities().Runtime),
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (b *InstrumentedBackend) Capabilities() backend.Capabilities {
	return b.inner.Capabilities()
}

func (b *InstrumentedBackend) Spawn(ctx context.Context, id uuid.UUID, spec domain.SandboxSpec, rootfs string, secretEnv map[string]string) error {
	ctx, finish := b.span(ctx, "backend.spawn", id)
	err := b.inner.Spawn(ctx, id, spec, rootfs, secretEnv)
	finish(err)
	b.record("spawn", err)
	return err
}

func (b *InstrumentedBackend) Terminate(ctx context.Context, id uuid.UUID) error {
	ctx, finish := b.span(ctx, "backend.terminate", id)
	err := b.inner.Terminate(ctx, id)
	finish(err)
	return err
}

func (b *InstrumentedBackend) Exec(ctx context.Context, id uuid.UUID, req backend.ExecRequest) (*backend.ExecResult, error) {
	ctx, finish := b.span(ctx, "backend.exec", id)
	start := time.Now()
	result, err := b.inner.Exec(ctx, id, req)
	finish(err)

	if err == nil && result != nil && b.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.Int("sandbox.exit_code", result.ExitCode),
			attribute.String("sandbox.exec_duration", time.Since(start).String()),
		)
	}
	b.record("exec", err)
	return result, err
}

func (b *InstrumentedBackend) Status(ctx context.Context, id uuid.UUID) (backend.RunState, error) {
	return b.inner.Status(ctx, id)
}

func (b *InstrumentedBackend) Checkpoint(ctx context.Context, id uuid.UUID) (*backend.Snapshot, error) {
	ctx, finish := b.span(ctx, "backend.checkpoint", id)
	snapshot, err := b.inner.Checkpoint(ctx, id)
	finish(err)
	b.record("checkpoint", err)
	return snapshot, err
}

func (b *InstrumentedBackend) Restore(ctx context.Context, id uuid.UUID, spec domain.SandboxSpec, snapshot *backend.Snapshot, secretEnv map[string]string) error {
	ctx, finish := b.span(ctx, "backend.restore", id)
	err := b.inner.Restore(ctx, id, spec, snapshot, secretEnv)
	finish(err)
	b.record("restore", err)
	return err
}

func (b *InstrumentedBackend) Reset(ctx context.Context, id uuid.UUID, secretEnv map[string]string) error {
	ctx, finish := b.span(ctx, "backend.reset", id)
	err := b.inner.Reset(ctx, id, secretEnv)
	finish(err)
	b.record("reset", err)
	return err
}

func (b *InstrumentedBackend) PlatformEvidence(ctx context.Context, id uuid.UUID) ([]byte, error) {
	return b.inner.PlatformEvidence(ctx, id)
}

func (b *InstrumentedBackend) FilesystemDigestRoot(id uuid.UUID) string {
	return b.inner.FilesystemDigestRoot(id)
}

// span starts an operation span and returns a finish func recording the error.
func (b *InstrumentedBackend) span(ctx context.Context, name string, id uuid.UUID) (context.Context, func(error)) {
	if b.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := b.tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("sandbox.id", id.String()),
			attribute.String("sandbox.runtime", b.runtime),
		))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (b *InstrumentedBackend) record(operation string, err error) {
	if b.anomaly == nil {
		return
	}
	op := operation + "_" + b.runtime
	if err != nil {
		b.anomaly.RecordError(op)
		return
	}
	b.anomaly.RecordSuccess(op)
}

// --- Compile-time interface checks ---

var (
	_ policy.Checker  = (*InstrumentedChecker)(nil)
	_ backend.Backend = (*InstrumentedBackend)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
