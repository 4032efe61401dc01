package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMissingFields        = errors.New("missing required fields")
	ErrTooFewVariants       = errors.New("experiment needs at least two variants")
	ErrDuplicateVariantName = errors.New("variant names must be unique within the experiment")
	ErrNotFound             = errors.New("experiment not found")
	ErrInvalidAction        = errors.New("invalid action")
	ErrNoContent            = errors.New("variant has no sendable content")
	ErrNotTerminal          = errors.New("experiment must be completed or cancelled before deletion")
	ErrSessionNotConnected  = errors.New("session is not connected")
)

// TransitionError signals an action attempted from the wrong lifecycle state.
// It always names the state the action requires.
type TransitionError struct {
	Action   Action
	Required string
	Current  ExperimentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("action %q requires status %s, experiment is %s", e.Action, e.Required, e.Current)
}

// RateLimitError carries retry-after information for a denied send_batch.
type RateLimitError struct {
	Reason        string
	CooldownUntil time.Time
	NextAllowed   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s), next batch allowed at %s", e.Reason, e.NextAllowed.UTC().Format(time.RFC3339))
}
