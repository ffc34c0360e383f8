// Package ratelimit implements a per-principal token bucket limiter for
// the API surface. Thread-safe. No background goroutines — buckets are
// refilled lazily on each Allow call and pruned on demand.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a principal has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"` // Tokens added per minute. 0 = unlimited.
	BurstSize         int `yaml:"burst_size" json:"burst_size"`                   // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
	SpawnCost         int `yaml:"spawn_cost" json:"spawn_cost"`                   // Token cost of provisioning calls. 0 = 5.
}

// Limiter meters API calls per principal. Each principal gets an
// independent bucket; one caller cannot exhaust another's quota.
// Provisioning operations consume more tokens than ordinary calls so a
// single principal cannot monopolize backend capacity within its quota.
type Limiter struct {
	mu         sync.Mutex
	principals map[string]*bucket
	rate       float64 // tokens per second
	burst      float64 // max bucket capacity
	spawnCost  float64
}

type bucket struct {
	tokens   float64
	lastFill time.Time
	lastUsed time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	spawnCost := cfg.SpawnCost
	if spawnCost <= 0 {
		spawnCost = 5
	}
	return &Limiter{
		principals: make(map[string]*bucket),
		rate:       float64(cfg.RequestsPerMinute) / 60.0,
		burst:      float64(burst),
		spawnCost:  float64(spawnCost),
	}
}

// Allow consumes one token from the principal's bucket.
// Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(principal string) error {
	return l.take(principal, 1)
}

// AllowSpawn consumes the spawn cost from the principal's bucket. Used
// for provisioning calls: spawn, claim, restore, checkpoint.
func (l *Limiter) AllowSpawn(principal string) error {
	return l.take(principal, l.spawnCost)
}

func (l *Limiter) take(principal string, cost float64) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.principals[principal]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.principals[principal] = b
	}

	// Refill based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now
	b.lastUsed = now

	if b.tokens < cost {
		return ErrRateLimited
	}
	b.tokens -= cost
	return nil
}

// Prune drops buckets idle longer than maxIdle so the principal map
// does not grow without bound on a long-running gateway. Returns the
// number of buckets removed.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for principal, b := range l.principals {
		if b.lastUsed.Before(cutoff) {
			delete(l.principals, principal)
			removed++
		}
	}
	return removed
}
