// Package orcherr defines the error taxonomy shared by the orchestration
// components. Errors carry the failing operation and a Kind so callers can
// decide whether a failure counts against a target, should be retried on the
// next cycle, or is simply logged.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration failure
type Kind int

const (
	// Unknown is the zero value for errors that were not classified
	Unknown Kind = iota
	// PreconditionFailed means an eligibility check rejected the operation
	PreconditionFailed
	// Timeout means an awaited collaborator exceeded its deadline
	Timeout
	// TransientFailure is an unexpected error isolated to one target or callback
	TransientFailure
	// ResourceExhausted means an attempt budget has been used up
	ResourceExhausted
	// PersistenceFailure means a checkpoint or archive write failed
	PersistenceFailure
	// NotFound means the referenced target or session does not exist
	NotFound
	// InvalidTransition means a state machine rejected the requested change
	InvalidTransition
)

func (k Kind) String() string {
	switch k {
	case PreconditionFailed:
		return "precondition_failed"
	case Timeout:
		return "timeout"
	case TransientFailure:
		return "transient_failure"
	case ResourceExhausted:
		return "resource_exhausted"
	case PersistenceFailure:
		return "persistence_failure"
	case NotFound:
		return "not_found"
	case InvalidTransition:
		return "invalid_transition"
	default:
		return "unknown"
	}
}

// Error captures the operation and classification of a failure.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs an Error with the provided context.
func E(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
