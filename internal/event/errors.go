// SPDX-License-Identifier: MIT

package event

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrStoreUnavailable indicates the persistence layer cannot be reached.
// Callers see it wrapped with context; no partial state is visible.
var ErrStoreUnavailable = errors.New("event store unavailable")

// ErrIllegalTransition indicates a status change outside the lifecycle
// state machine.
var ErrIllegalTransition = errors.New("illegal event status transition")

// ValidationError rejects malformed input synchronously; nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ProcessorExecutionError wraps a single processor's handler failure or
// timeout. It is isolated to that processor and never propagated to the
// ingestion caller.
type ProcessorExecutionError struct {
	Processor string
	EventID   string
	Attempt   int
	Err       error
}

func (e *ProcessorExecutionError) Error() string {
	return fmt.Sprintf("processor %s failed on event %s (attempt %d): %v", e.Processor, e.EventID, e.Attempt, e.Err)
}

func (e *ProcessorExecutionError) Unwrap() error { return e.Err }

// DeliveryError wraps a subscription delivery failure.
type DeliveryError struct {
	SubscriptionID string
	EventID        string
	Retryable      bool
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to subscription %s failed for event %s: %v", e.SubscriptionID, e.EventID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ReplayTargetError indicates the replay destination rejected a re-emitted
// event. The replay run aborts with a partial summary.
type ReplayTargetError struct {
	Target  string
	EventID string
	Err     error
}

func (e *ReplayTargetError) Error() string {
	return fmt.Sprintf("replay target %s rejected event %s: %v", e.Target, e.EventID, e.Err)
}

func (e *ReplayTargetError) Unwrap() error { return e.Err }

// VersionConflictError indicates a projection received an out-of-sequence
// stream version. It triggers an automatic rebuild instead of surfacing to
// the caller.
type VersionConflictError struct {
	StreamID string
	Expected uint64
	Got      uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("stream %s: expected version %d, got %d", e.StreamID, e.Expected, e.Got)
}
