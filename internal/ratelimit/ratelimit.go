// Package ratelimit implements per-key token buckets for outbound API calls.
// Keys are typically "<account>:<endpoint>". Tokens refill lazily; there is
// no background goroutine.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is matched by every error this package returns.
var ErrRateLimited = errors.New("rate limit exceeded")

// Error reports how long until the next token is available.
type Error struct {
	Key        string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter.Round(time.Millisecond))
}

func (e *Error) Is(target error) bool { return target == ErrRateLimited }

// Temporary is false: waiting out a bucket inside a retry loop would hold
// the run, so callers skip the action instead.
func (e *Error) Temporary() bool { return false }

// Rule is the rate for one key.
type Rule struct {
	PerMinute int `json:"per_minute" yaml:"per_minute"` // 0 = unlimited.
	Burst     int `json:"burst" yaml:"burst"`           // Default: PerMinute.
}

// Limiter holds an independent bucket per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rules   map[string]Rule // By endpoint; see Key.
	def     Rule
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
	rate     float64 // tokens per second
	burst    float64
}

// New creates a limiter applying def to every endpoint without a rule.
func New(def Rule, rules map[string]Rule) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rules:   rules,
		def:     def,
		now:     time.Now,
	}
}

// Key builds a bucket key from an account and an endpoint name.
func Key(account, endpoint string) string {
	return account + ":" + endpoint
}

func (l *Limiter) rule(endpoint string) Rule {
	if r, ok := l.rules[endpoint]; ok {
		return r
	}
	return l.def
}

// take consumes a token for key, or reports the wait until one is available.
func (l *Limiter) take(key, endpoint string) time.Duration {
	r := l.rule(endpoint)
	if r.PerMinute <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		burst := r.Burst
		if burst <= 0 {
			burst = r.PerMinute
		}
		b = &bucket{tokens: float64(burst), lastFill: now, rate: float64(r.PerMinute) / 60, burst: float64(burst)}
		l.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastFill).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
	}
	b.tokens--
	return 0
}

// Allow consumes one token for (account, endpoint) or returns *Error.
func (l *Limiter) Allow(account, endpoint string) error {
	if l == nil {
		return nil
	}
	key := Key(account, endpoint)
	if wait := l.take(key, endpoint); wait > 0 {
		return &Error{Key: key, RetryAfter: wait}
	}
	return nil
}

// Wait blocks until a token is available or ctx ends.
func (l *Limiter) Wait(ctx context.Context, account, endpoint string) error {
	if l == nil {
		return nil
	}
	key := Key(account, endpoint)
	for {
		wait := l.take(key, endpoint)
		if wait == 0 {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
