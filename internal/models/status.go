package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not in the transition table
var ErrInvalidTransition = errors.New("invalid status transition")

// TargetStatus is the lifecycle position of a target
type TargetStatus string

const (
	StatusDiscovered TargetStatus = "discovered"
	StatusAnalyzing  TargetStatus = "analyzing"
	StatusQueued     TargetStatus = "queued"
	StatusAttacking  TargetStatus = "attacking"
	StatusCaptured   TargetStatus = "captured"
	StatusCracked    TargetStatus = "cracked"
	StatusFailed     TargetStatus = "failed"
	StatusSkipped    TargetStatus = "skipped"
	StatusCooldown   TargetStatus = "cooldown"
)

// targetTransitions lists every permitted status change. Anything absent is rejected.
var targetTransitions = map[TargetStatus][]TargetStatus{
	StatusDiscovered: {StatusAnalyzing, StatusQueued, StatusSkipped, StatusCracked},
	StatusAnalyzing:  {StatusQueued, StatusSkipped},
	StatusQueued:     {StatusAttacking, StatusSkipped, StatusFailed, StatusCooldown},
	StatusAttacking:  {StatusCaptured, StatusCracked, StatusFailed, StatusCooldown, StatusQueued},
	StatusCooldown:   {StatusQueued, StatusAttacking, StatusFailed, StatusSkipped},
	StatusCaptured:   {StatusCracked},
}

// CanTransition reports whether from -> to is in the table
func CanTransition(from, to TargetStatus) bool {
	for _, s := range targetTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status can never be scheduled again
func (s TargetStatus) IsTerminal() bool {
	switch s {
	case StatusCracked, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Transition moves the target to a new status, rejecting changes the table does not allow
func (t *Target) Transition(to TargetStatus) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, t.Status, to, t.ID)
	}
	t.Status = to
	return nil
}

// IsTerminal reports whether the target has left the schedulable set for good
func (t *Target) IsTerminal() bool {
	return t.Status.IsTerminal()
}
