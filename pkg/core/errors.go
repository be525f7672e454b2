package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an unknown job, task or worker id.
	ErrNotFound = errors.New("batchjobs: not found")

	// ErrInvalidSpec indicates malformed creation input, such as a past
	// scheduled start or zero worker capacity.
	ErrInvalidSpec = errors.New("batchjobs: invalid spec")

	// ErrInvalidTransition indicates a state machine violation.
	ErrInvalidTransition = errors.New("batchjobs: invalid transition")

	// ErrRetryExhausted indicates a retry requested beyond max_retries.
	ErrRetryExhausted = errors.New("batchjobs: retries exhausted")

	// ErrCapacityUnavailable indicates an assignment attempted without a
	// valid capacity reservation.
	ErrCapacityUnavailable = errors.New("batchjobs: worker capacity unavailable")

	// ErrTerminalState indicates a mutation attempted on a completed or
	// cancelled entity.
	ErrTerminalState = errors.New("batchjobs: entity in terminal state")
)

// InvalidTransitionError reports a rejected state machine transition.
// It unwraps to ErrInvalidTransition so call sites can use errors.Is.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("batchjobs: invalid %s transition %s -> %s (id %s)", e.Entity, e.From, e.To, e.ID)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NewJobTransitionError builds an InvalidTransitionError for a job.
func NewJobTransitionError(id string, from, to JobStatus) error {
	return &InvalidTransitionError{Entity: "job", ID: id, From: string(from), To: string(to)}
}

// NewTaskTransitionError builds an InvalidTransitionError for a task.
func NewTaskTransitionError(id string, from, to TaskStatus) error {
	return &InvalidTransitionError{Entity: "task", ID: id, From: string(from), To: string(to)}
}
