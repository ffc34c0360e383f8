// Package egress enforces per-sandbox network policy. Every outbound
// connection attempt reported by a backend interception layer passes
// through the Controller; rules evaluate in order with first match
// winning, and destinations marked for external policy checks fail
// closed when the checker is slow or unavailable.
package egress

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/enclave/internal/audit"
	"github.com/jkaninda/enclave/internal/domain"
	"github.com/jkaninda/enclave/internal/policy"
)

// decision origins, used in audit details and metrics labels.
const (
	originRule    = "rule"
	originDefault = "default"
	originCheck   = "policy_check"
	originCache   = "cache"
	originDNS     = "dns"
)

// Destination is one observed connection target. Domain is set when the
// interception layer saw a name (SNI, DNS answer correlation); IP is set
// when only the packet was seen. Service is a logical service tag when
// the platform can attribute one.
type Destination struct {
	Domain  string
	IP      net.IP
	Port    int
	Service string
}

func (d Destination) String() string {
	host := d.Domain
	if host == "" && d.IP != nil {
		host = d.IP.String()
	}
	if host == "" {
		host = d.Service
	}
	if d.Port > 0 {
		return net.JoinHostPort(host, strconv.Itoa(d.Port))
	}
	return host
}

type cacheKey struct {
	sandboxID uuid.UUID
	dst       string
}

type cachedDecision struct {
	decision  policy.Decision
	expiresAt time.Time
}

// Options configures the Controller.
type Options struct {
	// CacheTTL bounds how long a per-(sandbox, destination) decision is
	// reused. 0 = 30s.
	CacheTTL time.Duration
}

// Controller evaluates egress and DNS policy for sandboxes.
type Controller struct {
	checker  policy.Checker
	auditor  *audit.Emitter
	logger   *slog.Logger
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[cacheKey]cachedDecision

	decisions *prometheus.CounterVec
	checkSecs prometheus.Histogram
}

// NewController creates an egress controller. The checker is consulted
// only for destinations whose matching rule (or DNS policy) requires an
// external check; wrap it with policy.DenyOnTimeout so a degraded policy
// service denies rather than hangs.
func NewController(checker policy.Checker, auditor *audit.Emitter, logger *slog.Logger, reg prometheus.Registerer, opts Options) *Controller {
	if opts.CacheTTL == 0 {
		opts.CacheTTL = 30 * time.Second
	}
	c := &Controller{
		checker:  checker,
		auditor:  auditor,
		logger:   logger,
		cacheTTL: opts.CacheTTL,
		now:      time.Now,
		cache:    make(map[cacheKey]cachedDecision),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enclave",
			Subsystem: "egress",
			Name:      "decisions_total",
			Help:      "Egress decisions by outcome and origin.",
		}, []string{"decision", "origin"}),
		checkSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "enclave",
			Subsystem: "egress",
			Name:      "policy_check_seconds",
			Help:      "Latency of external policy checks on the egress path.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .2, .5},
		}),
	}
	if reg != nil {
		reg.MustRegister(c.decisions, c.checkSecs)
	}
	return c
}

// Authorize decides whether a sandbox may reach a destination. The
// decision is recorded to the audit trail regardless of outcome.
func (c *Controller) Authorize(ctx context.Context, sandboxID uuid.UUID, requester domain.Identity, pol domain.NetworkPolicy, dst Destination) policy.Decision {
	key := cacheKey{sandboxID: sandboxID, dst: dst.String()}
	if decision, ok := c.cached(key); ok {
		c.decisions.WithLabelValues(string(decision), originCache).Inc()
		return decision
	}

	decision, origin, detail := c.evaluate(ctx, sandboxID, requester, pol, dst)

	c.store(key, decision)
	c.decisions.WithLabelValues(string(decision), origin).Inc()
	c.auditor.Emit(ctx, audit.Event{
		Type:      audit.TypeEgressDecision,
		SandboxID: sandboxID,
		Identity:  requester.ID,
		Outcome:   string(decision),
		Details: map[string]string{
			"destination": dst.String(),
			"origin":      origin,
			"detail":      detail,
		},
	})
	return decision
}

func (c *Controller) evaluate(ctx context.Context, sandboxID uuid.UUID, requester domain.Identity, pol domain.NetworkPolicy, dst Destination) (policy.Decision, string, string) {
	for i, rule := range pol.Rules {
		if !ruleMatches(rule, dst) {
			continue
		}
		detail := fmt.Sprintf("rule %d (%s %s)", i, rule.Kind, rule.Value)
		switch rule.Action {
		case domain.ActionAllow:
			return policy.Allow, originRule, detail
		case domain.ActionDeny:
			return policy.Deny, originRule, detail
		case domain.ActionRequireCheck:
			return c.externalCheck(ctx, sandboxID, requester, dst), originCheck, detail
		}
	}

	switch pol.DefaultAction {
	case domain.ActionAllow:
		return policy.Allow, originDefault, "default allow"
	case domain.ActionRequireCheck:
		return c.externalCheck(ctx, sandboxID, requester, dst), originCheck, "default check"
	default:
		return policy.Deny, originDefault, "default deny"
	}
}

// AuthorizeDNS decides whether a sandbox may issue a DNS query. Blocked
// domains deny before check domains are consulted, and an out-of-policy
// resolver denies regardless of the name.
func (c *Controller) AuthorizeDNS(ctx context.Context, sandboxID uuid.UUID, requester domain.Identity, pol domain.DNSPolicy, name, resolver string) policy.Decision {
	decision, detail := c.evaluateDNS(ctx, sandboxID, requester, pol, name, resolver)
	c.decisions.WithLabelValues(string(decision), originDNS).Inc()
	c.auditor.Emit(ctx, audit.Event{
		Type:      audit.TypeDNSDecision,
		SandboxID: sandboxID,
		Identity:  requester.ID,
		Outcome:   string(decision),
		Details: map[string]string{
			"name":     name,
			"resolver": resolver,
			"detail":   detail,
		},
	})
	return decision
}

func (c *Controller) evaluateDNS(ctx context.Context, sandboxID uuid.UUID, requester domain.Identity, pol domain.DNSPolicy, name, resolver string) (policy.Decision, string) {
	if len(pol.AllowedResolvers) > 0 {
		allowed := false
		for _, r := range pol.AllowedResolvers {
			if r == resolver {
				allowed = true
				break
			}
		}
		if !allowed {
			return policy.Deny, "resolver not allowed"
		}
	}
	for _, pattern := range pol.BlockedDomains {
		if globMatches(pattern, name) {
			return policy.Deny, "blocked domain " + pattern
		}
	}
	for _, pattern := range pol.CheckDomains {
		if globMatches(pattern, name) {
			return c.externalCheck(ctx, sandboxID, requester, Destination{Domain: name}), "check domain " + pattern
		}
	}
	return policy.Allow, "no dns restriction"
}

func (c *Controller) externalCheck(ctx context.Context, sandboxID uuid.UUID, requester domain.Identity, dst Destination) policy.Decision {
	start := c.now()
	decision, err := c.checker.Check(ctx, requester.ID, policy.ActionEgress, dst.String())
	c.checkSecs.Observe(c.now().Sub(start).Seconds())
	if err != nil {
		// DenyOnTimeout normally absorbs errors; a raw checker failing
		// here still fails closed.
		c.logger.Warn("egress policy check failed, denying",
			slog.String("sandbox_id", sandboxID.String()),
			slog.String("destination", dst.String()),
			slog.String("error", err.Error()),
		)
		return policy.Deny
	}
	return decision
}

// InvalidateSandbox drops cached decisions for one sandbox, used when
// its policy changes or it is terminated.
func (c *Controller) InvalidateSandbox(sandboxID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.cache {
		if key.sandboxID == sandboxID {
			delete(c.cache, key)
		}
	}
}

// InvalidateAll drops every cached decision, used on policy reload.
func (c *Controller) InvalidateAll() {
	c.mu.Lock()
	c.cache = make(map[cacheKey]cachedDecision)
	c.mu.Unlock()
}

func (c *Controller) cached(key cacheKey) (policy.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || c.now().After(entry.expiresAt) {
		delete(c.cache, key)
		return "", false
	}
	return entry.decision, true
}

func (c *Controller) store(key cacheKey, decision policy.Decision) {
	c.mu.Lock()
	c.cache[key] = cachedDecision{decision: decision, expiresAt: c.now().Add(c.cacheTTL)}
	c.mu.Unlock()
}

func ruleMatches(rule domain.EgressRule, dst Destination) bool {
	switch rule.Kind {
	case domain.MatchCIDR:
		if dst.IP == nil {
			return false
		}
		_, cidr, err := net.ParseCIDR(rule.Value)
		if err != nil {
			return false
		}
		return cidr.Contains(dst.IP)
	case domain.MatchDomain:
		return dst.Domain != "" && strings.EqualFold(dst.Domain, rule.Value)
	case domain.MatchDomainGlob:
		return dst.Domain != "" && globMatches(rule.Value, dst.Domain)
	case domain.MatchService:
		return dst.Service != "" && dst.Service == rule.Value
	default:
		return false
	}
}

func globMatches(pattern, name string) bool {
	ok, err := path.Match(pattern, strings.ToLower(name))
	return err == nil && ok
}
