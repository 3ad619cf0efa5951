package core

import (
	"errors"
	"fmt"
)

// Lookup and validation errors
var (
	ErrNotFound            = errors.New("docflow: job not found")
	ErrBatchNotFound       = errors.New("docflow: batch not found")
	ErrInvalidTransition   = errors.New("docflow: invalid transition")
	ErrTransitionConflict  = errors.New("docflow: concurrent transition detected")
	ErrItemNotFound        = errors.New("docflow: gate item not pending")
	ErrGateNotOpen         = errors.New("docflow: gate has no pending items")
	ErrUnknownGate         = errors.New("docflow: unknown gate")
	ErrForceCompleteDenied = errors.New("docflow: force-complete is only permitted for the final review gate")
	ErrHeadlessPolicy      = errors.New("docflow: fully headless batches require tenant opt-in")
	ErrBatchNotCancellable = errors.New("docflow: batch can only be cancelled while pending or processing")
)

// StageFailureError wraps an error raised by an external stage collaborator.
// The Stage Agent converts it into an ERROR transition rather than
// propagating it to callers.
type StageFailureError struct {
	State State
	Err   error
}

func (e *StageFailureError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.State, e.Err)
}

func (e *StageFailureError) Unwrap() error {
	return e.Err
}

// StageFailure wraps an error with the state whose processing raised it.
func StageFailure(state State, err error) error {
	return &StageFailureError{State: state, Err: err}
}

// InvalidTransitionError carries the rejected (state, event) pair. It matches
// ErrInvalidTransition under errors.Is.
type InvalidTransitionError struct {
	From  State
	Event EventName
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("docflow: no transition for event %s from state %s", e.Event, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
