// Package retry bounds external calls: each attempt gets its own timeout and
// failed attempts back off exponentially up to a fixed attempt cap.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jkaninda/xpilot/internal/domain"
)

// Policy configures Do.
type Policy struct {
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts"`         // Default: 3
	CallTimeout     time.Duration `json:"call_timeout" yaml:"call_timeout"`         // Per attempt. Default: 15s
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"` // Default: 500ms
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`         // Default: 10s
	Multiplier      float64       `json:"multiplier" yaml:"multiplier"`             // Default: 2
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		CallTimeout:     15 * time.Second,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier <= 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// BackOff returns the exponential schedule of p.
func (p Policy) BackOff() *backoff.ExponentialBackOff {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	return b
}

// Delay returns the wait before recovery attempt n (1-based), without
// jitter. Used by the scheduler for ERROR recovery.
func (p Policy) Delay(n int) time.Duration {
	p = p.withDefaults()
	d := float64(p.InitialInterval)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxInterval) {
			return p.MaxInterval
		}
	}
	return time.Duration(d)
}

// Temporary is implemented by errors that know whether a retry can help.
type Temporary interface {
	Temporary() bool
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, context.Canceled) {
		return false
	}
	var t Temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// Notify is called after every failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, fails permanently, or exhausts the policy.
// It returns the number of attempts made. A final failure wraps
// domain.ErrExternalCall and keeps the cause matchable with errors.Is.
func Do[T any](ctx context.Context, p Policy, notify Notify, op func(ctx context.Context) (T, error)) (T, int, error) {
	p = p.withDefaults()
	attempts := 0

	result, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
		defer cancel()

		v, err := op(callCtx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.BackOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if notify != nil {
				notify(attempts, err, wait)
			}
		}),
	)
	if err != nil {
		if errors.Is(err, domain.ErrExternalCall) {
			return result, attempts, err
		}
		return result, attempts, fmt.Errorf("%w: %w", domain.ErrExternalCall, err)
	}
	return result, attempts, nil
}
