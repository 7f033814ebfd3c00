package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed submitted payload, rejected
	// before anything is persisted.
	ErrValidation = errors.New("invalid change request")

	// ErrNotFound marks a decision addressed at an unknown request id.
	// Logged and dropped; never destructive.
	ErrNotFound = errors.New("change request not found")

	// ErrStaleDecision marks a decision on a non-pending request. The
	// state machine treats it as a no-op, not a fault, because the
	// external channel may redeliver the same decision.
	ErrStaleDecision = errors.New("decision on non-pending request")

	// ErrHealthCheck marks a failed canary health probe. It triggers
	// the automatic rollback path and is never propagated as a crash.
	ErrHealthCheck = errors.New("health check failed")

	// ErrChannelDelivery marks a best-effort notification that could
	// not be dispatched. One attempt, logged, never blocks the state
	// transition that produced it.
	ErrChannelDelivery = errors.New("approval channel delivery failed")

	// ErrRolloutFrozen marks a rollout refused by the freeze
	// controller. The request stays approved and can be retried once
	// the freeze lifts, without resubmission.
	ErrRolloutFrozen = errors.New("rollouts are frozen")
)

// FreezeViolationError is raised when a tracked configuration artifact's
// content hash no longer matches the frozen baseline. The artifact is
// untrusted until a human explicitly re-baselines it.
type FreezeViolationError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *FreezeViolationError) Error() string {
	return fmt.Sprintf("config freeze violation on %s: baseline %s, got %s", e.Path, e.Expected, e.Actual)
}

// IsFreezeViolation reports whether err is (or wraps) a freeze violation.
func IsFreezeViolation(err error) bool {
	var fv *FreezeViolationError
	return errors.As(err, &fv)
}
