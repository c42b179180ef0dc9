package domain

import (
	"errors"
	"testing"
)

// --- Transition Table ---

func TestTransition_Table(t *testing.T) {
	tests := []struct {
		from  Status
		event Event
		want  Status
	}{
		{StatusIdle, EventTick, StatusRunning},
		{StatusIdle, EventManualRun, StatusRunning},
		{StatusRunning, EventCycleCompleted, StatusWaiting},
		{StatusRunning, EventBudgetDenied, StatusPausedBudget},
		{StatusRunning, EventSafetyFired, StatusPausedSafety},
		{StatusRunning, EventFault, StatusError},
		{StatusWaiting, EventTick, StatusRunning},
		{StatusPausedBudget, EventDayBoundary, StatusRunning},
		{StatusPausedSafety, EventStopElapsed, StatusRunning},
		{StatusError, EventRetry, StatusRunning},
	}
	for _, tt := range tests {
		got, why, err := Transition(tt.from, tt.event)
		if err != nil {
			t.Errorf("Transition(%s, %s) error: %v", tt.from, tt.event, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Transition(%s, %s) = %s, want %s", tt.from, tt.event, got, tt.want)
		}
		if why == "" {
			t.Errorf("Transition(%s, %s) returned empty explanation", tt.from, tt.event)
		}
	}
}

func TestTransition_Invalid(t *testing.T) {
	tests := []struct {
		from  Status
		event Event
	}{
		{StatusPausedBudget, EventTick},
		{StatusPausedSafety, EventTick},
		{StatusPausedSafety, EventManualRun},
		{StatusRunning, EventTick},
		{StatusIdle, EventCycleCompleted},
		{StatusError, EventTick},
		{StatusWaiting, EventDayBoundary},
		{Status("BOGUS"), EventTick},
	}
	for _, tt := range tests {
		got, _, err := Transition(tt.from, tt.event)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Transition(%s, %s) error = %v, want ErrInvalidTransition", tt.from, tt.event, err)
		}
		if got != tt.from {
			t.Errorf("Transition(%s, %s) changed state to %s on error", tt.from, tt.event, got)
		}
	}
}

// --- Operator Events ---

func TestTransition_StopFromAnyState(t *testing.T) {
	for _, s := range []Status{StatusIdle, StatusRunning, StatusWaiting, StatusPausedBudget, StatusPausedSafety, StatusError} {
		got, _, err := Transition(s, EventStop)
		if err != nil {
			t.Fatalf("stop from %s: %v", s, err)
		}
		if got != StatusPausedSafety {
			t.Errorf("stop from %s = %s, want PAUSED_SAFETY", s, got)
		}
	}
}

func TestTransition_ResumeRejectedWhileRunning(t *testing.T) {
	_, _, err := Transition(StatusRunning, EventResume)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("resume while running error = %v, want ErrInvalidTransition", err)
	}

	got, _, err := Transition(StatusPausedSafety, EventResume)
	if err != nil {
		t.Fatalf("resume from PAUSED_SAFETY: %v", err)
	}
	if got != StatusIdle {
		t.Errorf("resume = %s, want IDLE", got)
	}
}

// --- Stop Reason Mapping ---

func TestEventForStop(t *testing.T) {
	tests := map[string]Event{
		"":                 EventCycleCompleted,
		StopBudgetExceeded: EventBudgetDenied,
		StopUnrecoverable:  EventFault,
		StopQuoteCap:       EventSafetyFired,
		StopManual:         EventSafetyFired,
		StopXAuthFailed:    EventSafetyFired,
	}
	for reason, want := range tests {
		if got := EventForStop(reason); got != want {
			t.Errorf("EventForStop(%q) = %s, want %s", reason, got, want)
		}
	}
}

func TestStopReasonOf(t *testing.T) {
	if got := StopReasonOf(&BudgetError{Bucket: "llm"}); got != StopBudgetExceeded {
		t.Errorf("budget error reason = %q", got)
	}
	if got := StopReasonOf(&SafetyError{Reason: StopQuoteCap}); got != StopQuoteCap {
		t.Errorf("safety error reason = %q", got)
	}
	if got := StopReasonOf(errors.Join(errors.New("x"), ErrUnauthorized)); got != StopXAuthFailed {
		t.Errorf("unauthorized reason = %q", got)
	}
	if got := StopReasonOf(ErrExternalCall); got != "" {
		t.Errorf("external call reason = %q, want empty", got)
	}
}
