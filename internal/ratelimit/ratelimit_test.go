package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAllow_BurstThenLimited(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(Rule{PerMinute: 60, Burst: 2}, nil)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if err := l.Allow("a", "tweets"); err != nil {
			t.Fatalf("Allow #%d: %v", i+1, err)
		}
	}
	err := l.Allow("a", "tweets")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third Allow = %v, want ErrRateLimited", err)
	}
	var re *Error
	if !errors.As(err, &re) || re.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", re)
	}

	now = now.Add(time.Second)
	if err := l.Allow("a", "tweets"); err != nil {
		t.Errorf("Allow after refill: %v", err)
	}
}

func TestAllow_KeysIndependent(t *testing.T) {
	l := New(Rule{PerMinute: 1}, nil)
	if err := l.Allow("a", "like"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("b", "like"); err != nil {
		t.Errorf("account b limited by a: %v", err)
	}
	if err := l.Allow("a", "search"); err != nil {
		t.Errorf("endpoint search limited by like: %v", err)
	}
}

func TestAllow_PerEndpointRuleAndUnlimited(t *testing.T) {
	l := New(Rule{}, map[string]Rule{"like": {PerMinute: 1}})
	for i := 0; i < 100; i++ {
		if err := l.Allow("a", "tweets"); err != nil {
			t.Fatalf("unlimited endpoint limited: %v", err)
		}
	}
	_ = l.Allow("a", "like")
	if err := l.Allow("a", "like"); err == nil {
		t.Error("like should be limited after one call")
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	l := New(Rule{PerMinute: 1}, nil)
	_ = l.Allow("a", "x")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "a", "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want DeadlineExceeded", err)
	}
}

func TestNilLimiter(t *testing.T) {
	var l *Limiter
	if err := l.Allow("a", "x"); err != nil {
		t.Errorf("nil Allow = %v", err)
	}
	if err := l.Wait(context.Background(), "a", "x"); err != nil {
		t.Errorf("nil Wait = %v", err)
	}
}
