package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. BudgetExceeded and SafetyTriggered are soft: they pause the
// agent and are not reported as system faults.
var (
	ErrBudgetExceeded    = errors.New("budget exceeded")
	ErrSafetyTriggered   = errors.New("safety gate triggered")
	ErrExternalCall      = errors.New("external call failed")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnrecoverable     = errors.New("unrecoverable fault")
	ErrUnauthorized      = errors.New("external credentials rejected")
	ErrNotFound          = errors.New("not found")
)

// BudgetError reports which budget portion denied a reservation.
type BudgetError struct {
	AccountID string
	Bucket    string // "x", "llm" or "total"
	Estimate  float64
	Remaining float64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("budget exceeded for %s: %s estimate %.4f > remaining %.4f",
		e.AccountID, e.Bucket, e.Estimate, e.Remaining)
}

// Is makes errors.Is(err, ErrBudgetExceeded) match.
func (e *BudgetError) Is(target error) bool { return target == ErrBudgetExceeded }

// SafetyError carries the machine-readable reason of a fired safety check.
type SafetyError struct {
	Reason string
	Detail string
}

func (e *SafetyError) Error() string {
	if e.Detail == "" {
		return "safety triggered: " + e.Reason
	}
	return fmt.Sprintf("safety triggered: %s (%s)", e.Reason, e.Detail)
}

// Is makes errors.Is(err, ErrSafetyTriggered) match.
func (e *SafetyError) Is(target error) bool { return target == ErrSafetyTriggered }

// StopReasonOf extracts the stop reason implied by err. It returns "" when
// err does not pause the agent.
func StopReasonOf(err error) string {
	var se *SafetyError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return se.Reason
	case errors.Is(err, ErrBudgetExceeded):
		return StopBudgetExceeded
	case errors.Is(err, ErrUnauthorized):
		return StopXAuthFailed
	}
	return ""
}
