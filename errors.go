package docflow

import "github.com/docflow-io/docflow/pkg/core"

// Sentinel errors re-exported for callers matching with errors.Is.
var (
	// ErrNotFound means the referenced job does not exist.
	ErrNotFound = core.ErrNotFound

	// ErrBatchNotFound means the referenced batch does not exist.
	ErrBatchNotFound = core.ErrBatchNotFound

	// ErrInvalidTransition means the event is not valid from the job's
	// current state, or the state moved underneath the caller.
	ErrInvalidTransition = core.ErrInvalidTransition

	// ErrItemNotFound means a decision referenced an item not pending.
	ErrItemNotFound = core.ErrItemNotFound

	// ErrUnknownGate means the gate name is not part of the pipeline.
	ErrUnknownGate = core.ErrUnknownGate

	// ErrGateNotOpen means the gate has no pending items to decide.
	ErrGateNotOpen = core.ErrGateNotOpen

	// ErrHeadlessPolicy means a fully headless batch was rejected because
	// the tenant has not opted in.
	ErrHeadlessPolicy = core.ErrHeadlessPolicy

	// ErrForceCompleteDenied means force-complete was attempted on a gate
	// other than the final review gate.
	ErrForceCompleteDenied = core.ErrForceCompleteDenied

	// ErrBatchNotCancellable means the batch is past the point of
	// cancellation.
	ErrBatchNotCancellable = core.ErrBatchNotCancellable
)

// StageFailureError wraps an error raised by an external stage collaborator.
type StageFailureError = core.StageFailureError

// InvalidTransitionError carries the rejected (state, event) pair.
type InvalidTransitionError = core.InvalidTransitionError
