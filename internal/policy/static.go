package policy

import (
	"context"
	"strings"
	"sync"
)

// Rule grants or denies a principal an action over resources matching a
// prefix. Deny rules are checked before allow rules.
type Rule struct {
	Principal      string `json:"principal" yaml:"principal"` // Exact id or "*".
	Action         string `json:"action" yaml:"action"`       // Exact action or "*".
	ResourcePrefix string `json:"resource_prefix" yaml:"resource_prefix"`
	Effect         string `json:"effect" yaml:"effect"` // "allow" or "deny".
}

// StaticChecker is an in-process Checker over a fixed rule list, for
// single-node deployments and tests. Deny-first: a matching deny rule wins
// over any allow rule; no match at all is Deny.
type StaticChecker struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewStaticChecker creates a checker over the given rules.
func NewStaticChecker(rules []Rule) *StaticChecker {
	return &StaticChecker{rules: rules}
}

// Replace swaps the rule set, for config reload.
func (c *StaticChecker) Replace(rules []Rule) {
	c.mu.Lock()
	c.rules = rules
	c.mu.Unlock()
}

func (c *StaticChecker) Check(_ context.Context, principal, action, resource string) (Decision, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	allowed := false
	for _, r := range c.rules {
		if !matches(r, principal, action, resource) {
			continue
		}
		if r.Effect == "deny" {
			return Deny, nil
		}
		allowed = true
	}
	if allowed {
		return Allow, nil
	}
	return Deny, nil
}

func matches(r Rule, principal, action, resource string) bool {
	if r.Principal != "*" && r.Principal != principal {
		return false
	}
	if r.Action != "*" && r.Action != action {
		return false
	}
	return strings.HasPrefix(resource, r.ResourcePrefix)
}
