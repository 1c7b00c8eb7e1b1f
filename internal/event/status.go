// SPDX-License-Identifier: MIT

package event

import "fmt"

// Status is the lifecycle state of an event. Transitions only move forward:
// pending -> processing -> {processed, failed}; processed/failed -> archived.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
	StatusArchived   Status = "archived"
)

// IsValid reports whether the status is a known enum value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed, StatusFailed, StatusArchived:
		return true
	}
	return false
}

// IsTerminal reports whether no further automatic transition applies.
func (s Status) IsTerminal() bool {
	return s == StatusArchived
}

var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusProcessed, StatusFailed},
	StatusProcessed:  {StatusArchived},
	StatusFailed:     {StatusArchived},
	StatusArchived:   nil,
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CheckTransition returns a descriptive error for an illegal transition.
func (s Status) CheckTransition(next Status) error {
	if !next.IsValid() {
		return fmt.Errorf("unknown event status %q", next)
	}
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, next)
	}
	return nil
}
