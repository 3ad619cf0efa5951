package docflow

import "github.com/docflow-io/docflow/pkg/core"

// Pipeline states re-exported from pkg/core.
const (
	StateUploadReceived  = core.StateUploadReceived
	StatePreprocessing   = core.StatePreprocessing
	StateStage1Running   = core.StateStage1Running
	StateStage2Running   = core.StateStage2Running
	StateStage3Running   = core.StateStage3Running
	StateAwaitingReview1 = core.StateAwaitingReview1
	StateAutoRemediation = core.StateAutoRemediation
	StateAwaitingReview2 = core.StateAwaitingReview2
	StateVerification    = core.StateVerification
	StateMapping         = core.StateMapping
	StateAwaitingReview3 = core.StateAwaitingReview3
	StateGeneration      = core.StateGeneration
	StateAwaitingReview4 = core.StateAwaitingReview4
	StateCompleted       = core.StateCompleted
	StateFailed          = core.StateFailed
	StateRetrying        = core.StateRetrying
	StateCancelled       = core.StateCancelled
	StateHITLTimeout     = core.StateHITLTimeout
	StatePaused          = core.StatePaused
)

// Review gates.
const (
	GateIssueReview   = core.GateIssueReview
	GateFixReview     = core.GateFixReview
	GateMappingReview = core.GateMappingReview
	GateFinalReview   = core.GateFinalReview
)

// Reviewer decisions.
const (
	DecisionAccept    = core.DecisionAccept
	DecisionReject    = core.DecisionReject
	DecisionModify    = core.DecisionModify
	DecisionOverride  = core.DecisionOverride
	DecisionManualFix = core.DecisionManualFix
)

// Events commonly fired by operators and collaborators. The full vocabulary
// lives in pkg/core.
const (
	EventPreprocess = core.EventPreprocess
	EventError      = core.EventError
	EventRetry      = core.EventRetry
	EventReprocess  = core.EventReprocess
	EventCancel     = core.EventCancel
	EventPause      = core.EventPause
	EventResume     = core.EventResume
)
