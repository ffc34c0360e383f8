// Package policy defines the contract for the external policy-decision
// service: a pure, side-effect-free allow/deny answer for (principal, action,
// resource). Unavailability is a transient condition, never a security
// bypass — the answer on timeout or error is Deny.
package policy

import (
	"context"
	"log/slog"
	"time"
)

// Decision is the policy service's answer.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// Actions the orchestration core asks about.
const (
	ActionSpawnSandbox = "sandbox.spawn"
	ActionEgress       = "sandbox.egress"
	ActionDNSQuery     = "sandbox.dns"
)

// Checker answers allow/deny questions. Implementations must be safe for
// concurrent use and fast enough for the egress hot path.
type Checker interface {
	Check(ctx context.Context, principal, action, resource string) (Decision, error)
}

// DenyOnTimeout wraps a Checker with a hard latency budget. A timeout or any
// checker error resolves to Deny, logged as a degraded-mode condition.
type DenyOnTimeout struct {
	inner   Checker
	budget  time.Duration
	logger  *slog.Logger
}

// NewDenyOnTimeout wraps the checker with the given per-call budget.
func NewDenyOnTimeout(inner Checker, budget time.Duration, logger *slog.Logger) *DenyOnTimeout {
	if budget <= 0 {
		budget = 200 * time.Millisecond
	}
	return &DenyOnTimeout{inner: inner, budget: budget, logger: logger}
}

func (d *DenyOnTimeout) Check(ctx context.Context, principal, action, resource string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, d.budget)
	defer cancel()

	decision, err := d.inner.Check(ctx, principal, action, resource)
	if err != nil {
		d.logger.Warn("policy check failed, defaulting to deny",
			slog.String("principal", principal),
			slog.String("action", action),
			slog.String("resource", resource),
			slog.String("error", err.Error()),
		)
		return Deny, nil
	}
	return decision, nil
}
