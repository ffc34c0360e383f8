package egress

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/enclave/internal/audit"
	"github.com/jkaninda/enclave/internal/domain"
	"github.com/jkaninda/enclave/internal/policy"
)

type fakeChecker struct {
	decision policy.Decision
	err      error
	calls    atomic.Int64
}

func (f *fakeChecker) Check(_ context.Context, _, _, _ string) (policy.Decision, error) {
	f.calls.Add(1)
	return f.decision, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newController(t *testing.T, checker policy.Checker, rec *audit.MemoryRecorder) *Controller {
	t.Helper()
	if checker == nil {
		checker = &fakeChecker{decision: policy.Deny}
	}
	return NewController(checker, audit.NewEmitter(rec, testLogger()), testLogger(), prometheus.NewRegistry(), Options{})
}

func requester() domain.Identity {
	return domain.Identity{ID: "agent-1", Kind: "agent"}
}

func TestAuthorizeFirstMatchWins(t *testing.T) {
	// A deny rule listed before a broader allow must win for overlapping
	// destinations.
	pol := domain.NetworkPolicy{
		DefaultAction: domain.ActionDeny,
		Rules: []domain.EgressRule{
			{Kind: domain.MatchCIDR, Value: "10.1.2.0/24", Action: domain.ActionDeny},
			{Kind: domain.MatchCIDR, Value: "10.0.0.0/8", Action: domain.ActionAllow},
		},
	}
	ctrl := newController(t, nil, audit.NewMemoryRecorder())
	ctx := context.Background()
	id := uuid.New()

	if got := ctrl.Authorize(ctx, id, requester(), pol, Destination{IP: net.ParseIP("10.1.2.3"), Port: 443}); got != policy.Deny {
		t.Errorf("10.1.2.3 = %q, want deny", got)
	}
	if got := ctrl.Authorize(ctx, id, requester(), pol, Destination{IP: net.ParseIP("10.9.9.9"), Port: 443}); got != policy.Allow {
		t.Errorf("10.9.9.9 = %q, want allow", got)
	}
}

func TestAuthorizeDefaultAction(t *testing.T) {
	ctrl := newController(t, nil, audit.NewMemoryRecorder())
	ctx := context.Background()

	allowPol := domain.NetworkPolicy{DefaultAction: domain.ActionAllow}
	if got := ctrl.Authorize(ctx, uuid.New(), requester(), allowPol, Destination{Domain: "example.com"}); got != policy.Allow {
		t.Errorf("default allow = %q", got)
	}
	denyPol := domain.NetworkPolicy{DefaultAction: domain.ActionDeny}
	if got := ctrl.Authorize(ctx, uuid.New(), requester(), denyPol, Destination{Domain: "example.com"}); got != policy.Deny {
		t.Errorf("default deny = %q", got)
	}
}

func TestAuthorizeDomainMatchers(t *testing.T) {
	pol := domain.NetworkPolicy{
		DefaultAction: domain.ActionDeny,
		Rules: []domain.EgressRule{
			{Kind: domain.MatchDomain, Value: "api.internal", Action: domain.ActionAllow},
			{Kind: domain.MatchDomainGlob, Value: "*.example.com", Action: domain.ActionAllow},
			{Kind: domain.MatchService, Value: "object-store", Action: domain.ActionAllow},
		},
	}
	ctrl := newController(t, nil, audit.NewMemoryRecorder())
	ctx := context.Background()
	id := uuid.New()

	cases := []struct {
		dst  Destination
		want policy.Decision
	}{
		{Destination{Domain: "api.internal"}, policy.Allow},
		{Destination{Domain: "API.Internal"}, policy.Allow},
		{Destination{Domain: "cdn.example.com"}, policy.Allow},
		{Destination{Domain: "evil.com"}, policy.Deny},
		{Destination{Service: "object-store"}, policy.Allow},
		{Destination{Service: "other"}, policy.Deny},
	}
	for _, tc := range cases {
		if got := ctrl.Authorize(ctx, id, requester(), pol, tc.dst); got != tc.want {
			t.Errorf("%s = %q, want %q", tc.dst, got, tc.want)
		}
	}
}

func TestAuthorizeRequireCheck(t *testing.T) {
	pol := domain.NetworkPolicy{
		DefaultAction: domain.ActionDeny,
		Rules: []domain.EgressRule{
			{Kind: domain.MatchDomainGlob, Value: "*.partner.net", Action: domain.ActionRequireCheck},
		},
	}
	checker := &fakeChecker{decision: policy.Allow}
	ctrl := newController(t, checker, audit.NewMemoryRecorder())

	got := ctrl.Authorize(context.Background(), uuid.New(), requester(), pol, Destination{Domain: "api.partner.net"})
	if got != policy.Allow {
		t.Errorf("decision = %q, want allow from checker", got)
	}
	if checker.calls.Load() != 1 {
		t.Errorf("checker calls = %d, want 1", checker.calls.Load())
	}
}

func TestAuthorizeCheckerErrorDenies(t *testing.T) {
	pol := domain.NetworkPolicy{
		DefaultAction: domain.ActionDeny,
		Rules: []domain.EgressRule{
			{Kind: domain.MatchDomain, Value: "api.partner.net", Action: domain.ActionRequireCheck},
		},
	}
	checker := &fakeChecker{decision: policy.Allow, err: errors.New("policy service down")}
	ctrl := newController(t, checker, audit.NewMemoryRecorder())

	got := ctrl.Authorize(context.Background(), uuid.New(), requester(), pol, Destination{Domain: "api.partner.net"})
	if got != policy.Deny {
		t.Errorf("decision = %q, want deny on checker failure", got)
	}
}

func TestAuthorizeCachesDecisions(t *testing.T) {
	pol := domain.NetworkPolicy{
		DefaultAction: domain.ActionDeny,
		Rules: []domain.EgressRule{
			{Kind: domain.MatchDomain, Value: "api.partner.net", Action: domain.ActionRequireCheck},
		},
	}
	checker := &fakeChecker{decision: policy.Allow}
	rec := audit.NewMemoryRecorder()
	ctrl := newController(t, checker, rec)
	ctx := context.Background()
	id := uuid.New()
	dst := Destination{Domain: "api.partner.net", Port: 443}

	for i := 0; i < 3; i++ {
		if got := ctrl.Authorize(ctx, id, requester(), pol, dst); got != policy.Allow {
			t.Fatalf("decision %d = %q", i, got)
		}
	}
	if checker.calls.Load() != 1 {
		t.Errorf("checker calls = %d, want 1 (cached afterwards)", checker.calls.Load())
	}

	// Invalidation forces re-evaluation.
	ctrl.InvalidateSandbox(id)
	ctrl.Authorize(ctx, id, requester(), pol, dst)
	if checker.calls.Load() != 2 {
		t.Errorf("checker calls after invalidate = %d, want 2", checker.calls.Load())
	}
}

func TestAuthorizeCacheExpires(t *testing.T) {
	checker := &fakeChecker{decision: policy.Allow}
	ctrl := NewController(checker, audit.NewEmitter(audit.NewMemoryRecorder(), testLogger()), testLogger(), prometheus.NewRegistry(), Options{CacheTTL: time.Minute})
	base := time.Now()
	ctrl.now = func() time.Time { return base }

	pol := domain.NetworkPolicy{DefaultAction: domain.ActionRequireCheck}
	id := uuid.New()
	dst := Destination{Domain: "example.com"}
	ctx := context.Background()

	ctrl.Authorize(ctx, id, requester(), pol, dst)
	ctrl.Authorize(ctx, id, requester(), pol, dst)
	if checker.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 while cached", checker.calls.Load())
	}

	base = base.Add(2 * time.Minute)
	ctrl.Authorize(ctx, id, requester(), pol, dst)
	if checker.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 after TTL expiry", checker.calls.Load())
	}
}

func TestAuthorizeAuditsEveryDecision(t *testing.T) {
	rec := audit.NewMemoryRecorder()
	ctrl := newController(t, nil, rec)
	ctx := context.Background()
	id := uuid.New()
	pol := domain.NetworkPolicy{DefaultAction: domain.ActionDeny}

	ctrl.Authorize(ctx, id, requester(), pol, Destination{Domain: "a.example.com"})
	ctrl.Authorize(ctx, id, requester(), pol, Destination{Domain: "b.example.com"})

	events := rec.ByType(audit.TypeEgressDecision)
	if len(events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(events))
	}
	if events[0].Outcome != string(policy.Deny) {
		t.Errorf("outcome = %q, want deny", events[0].Outcome)
	}
	if events[0].Details["destination"] == "" {
		t.Error("audit event missing destination detail")
	}
	if events[0].SandboxID != id {
		t.Errorf("audit sandbox id = %s, want %s", events[0].SandboxID, id)
	}
}

func TestAuthorizeDNS(t *testing.T) {
	checker := &fakeChecker{decision: policy.Allow}
	rec := audit.NewMemoryRecorder()
	ctrl := newController(t, checker, rec)
	ctx := context.Background()
	id := uuid.New()

	pol := domain.DNSPolicy{
		AllowedResolvers: []string{"10.0.0.53"},
		BlockedDomains:   []string{"*.blocked.io"},
		CheckDomains:     []string{"*.partner.net"},
	}

	cases := []struct {
		name     string
		resolver string
		want     policy.Decision
	}{
		{"ok.example.com", "10.0.0.53", policy.Allow},
		{"x.blocked.io", "10.0.0.53", policy.Deny},
		{"api.partner.net", "10.0.0.53", policy.Allow}, // Via checker.
		{"ok.example.com", "8.8.8.8", policy.Deny},     // Foreign resolver.
	}
	for _, tc := range cases {
		if got := ctrl.AuthorizeDNS(ctx, id, requester(), pol, tc.name, tc.resolver); got != tc.want {
			t.Errorf("dns %s via %s = %q, want %q", tc.name, tc.resolver, got, tc.want)
		}
	}
	if len(rec.ByType(audit.TypeDNSDecision)) != len(cases) {
		t.Errorf("dns audit events = %d, want %d", len(rec.ByType(audit.TypeDNSDecision)), len(cases))
	}
}

func TestDNSBlockBeforeCheck(t *testing.T) {
	// A name matching both a blocked and a check pattern must deny without
	// consulting the checker.
	checker := &fakeChecker{decision: policy.Allow}
	ctrl := newController(t, checker, audit.NewMemoryRecorder())

	pol := domain.DNSPolicy{
		BlockedDomains: []string{"bad.partner.net"},
		CheckDomains:   []string{"*.partner.net"},
	}
	got := ctrl.AuthorizeDNS(context.Background(), uuid.New(), requester(), pol, "bad.partner.net", "")
	if got != policy.Deny {
		t.Errorf("decision = %q, want deny", got)
	}
	if checker.calls.Load() != 0 {
		t.Errorf("checker consulted %d times for blocked name", checker.calls.Load())
	}
}
