package domain

import "fmt"

// Status is the state of an agent in the run state machine.
// No state is terminal.
type Status string

const (
	StatusIdle         Status = "IDLE"
	StatusRunning      Status = "RUNNING"
	StatusWaiting      Status = "WAITING"
	StatusPausedBudget Status = "PAUSED_BUDGET"
	StatusPausedSafety Status = "PAUSED_SAFETY"
	StatusError        Status = "ERROR"
)

// Valid reports whether s is a known state.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusWaiting, StatusPausedBudget, StatusPausedSafety, StatusError:
		return true
	}
	return false
}

// Paused reports whether the agent needs a recovery event before it can run.
func (s Status) Paused() bool {
	return s == StatusPausedBudget || s == StatusPausedSafety || s == StatusError
}

// Event drives a state transition.
type Event string

const (
	EventTick           Event = "tick"
	EventManualRun      Event = "manual_run"
	EventCycleCompleted Event = "cycle_completed"
	EventBudgetDenied   Event = "budget_denied"
	EventSafetyFired    Event = "safety_fired"
	EventFault          Event = "fault"
	EventDayBoundary    Event = "day_boundary"
	EventStopElapsed    Event = "stop_until_elapsed"
	EventResume         Event = "resume"
	EventRetry          Event = "retry"
	EventStop           Event = "stop"
)

type transitionKey struct {
	from  Status
	event Event
}

type transitionRule struct {
	to          Status
	explanation string
}

var transitions = map[transitionKey]transitionRule{
	{StatusIdle, EventTick}:                {StatusRunning, "poll interval elapsed, starting cycle"},
	{StatusIdle, EventManualRun}:           {StatusRunning, "manual run requested"},
	{StatusWaiting, EventTick}:             {StatusRunning, "next cycle due"},
	{StatusWaiting, EventManualRun}:        {StatusRunning, "manual run requested"},
	{StatusRunning, EventCycleCompleted}:   {StatusWaiting, "cycle completed, waiting for next interval"},
	{StatusRunning, EventBudgetDenied}:     {StatusPausedBudget, "budget guard denied a reservation"},
	{StatusRunning, EventSafetyFired}:      {StatusPausedSafety, "safety gate fired"},
	{StatusRunning, EventFault}:            {StatusError, "unrecoverable fault during cycle"},
	{StatusPausedBudget, EventDayBoundary}: {StatusRunning, "daily budget reset at day boundary"},
	{StatusPausedSafety, EventStopElapsed}: {StatusRunning, "stop_until elapsed"},
	{StatusError, EventRetry}:              {StatusRunning, "retry policy allows another attempt"},
}

// Transition applies event to from and returns the resulting state with a
// human-readable explanation. Operator stop is accepted from every state and
// resume from every state except RUNNING. Anything else not listed in the
// transition table fails with ErrInvalidTransition and no state change.
func Transition(from Status, event Event) (Status, string, error) {
	if !from.Valid() {
		return from, "", fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	switch event {
	case EventStop:
		if from == StatusRunning {
			return StatusPausedSafety, "operator stop, in-flight run signaled to abort", nil
		}
		return StatusPausedSafety, "operator stop", nil
	case EventResume:
		if from == StatusRunning {
			return from, "", fmt.Errorf("%w: cannot resume while RUNNING", ErrInvalidTransition)
		}
		return StatusIdle, "operator resume", nil
	}
	rule, ok := transitions[transitionKey{from, event}]
	if !ok {
		return from, "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
	}
	return rule.to, rule.explanation, nil
}

// EventForStop maps a runner stop reason to the state machine event the
// scheduler applies when the cycle ends.
func EventForStop(reason string) Event {
	switch reason {
	case "":
		return EventCycleCompleted
	case StopBudgetExceeded:
		return EventBudgetDenied
	case StopUnrecoverable:
		return EventFault
	}
	return EventSafetyFired
}
