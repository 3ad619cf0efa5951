package core

// State is the current position of a job in the document pipeline.
type State string

const (
	StateUploadReceived  State = "UPLOAD_RECEIVED"
	StatePreprocessing   State = "PREPROCESSING"
	StateStage1Running   State = "STAGE1_RUNNING"
	StateStage2Running   State = "STAGE2_RUNNING"
	StateStage3Running   State = "STAGE3_RUNNING"
	StateAwaitingReview1 State = "AWAITING_REVIEW_1"
	StateAutoRemediation State = "AUTO_REMEDIATION"
	StateAwaitingReview2 State = "AWAITING_REVIEW_2"
	StateVerification    State = "VERIFICATION"
	StateMapping         State = "MAPPING"
	StateAwaitingReview3 State = "AWAITING_REVIEW_3"
	StateGeneration      State = "GENERATION"
	StateAwaitingReview4 State = "AWAITING_REVIEW_4"
	StateCompleted       State = "COMPLETED"
	StateFailed          State = "FAILED"
	StateRetrying        State = "RETRYING"
	StateCancelled       State = "CANCELLED"
	StateHITLTimeout     State = "HITL_TIMEOUT"
	StatePaused          State = "PAUSED"
)

// EventName identifies a transition in the state machine.
type EventName string

const (
	// Forward progression
	EventPreprocess    EventName = "PREPROCESS"
	EventAnalyze       EventName = "ANALYZE"
	EventValidate      EventName = "VALIDATE"
	EventClassify      EventName = "CLASSIFY"
	EventReviewIssues  EventName = "REVIEW_ISSUES"
	EventRemediate     EventName = "REMEDIATE"
	EventReviewFixes   EventName = "REVIEW_FIXES"
	EventVerify        EventName = "VERIFY"
	EventMapFields     EventName = "MAP_FIELDS"
	EventReviewMapping EventName = "REVIEW_MAPPING"
	EventGenerate      EventName = "GENERATE"
	EventReviewOutput  EventName = "REVIEW_OUTPUT"
	EventComplete      EventName = "COMPLETE"

	// Rework loops out of review gates
	EventRejectIssues  EventName = "REJECT_ISSUES"
	EventRejectFixes   EventName = "REJECT_FIXES"
	EventRejectMapping EventName = "REJECT_MAPPING"
	EventRejectOutput  EventName = "REJECT_OUTPUT"

	// Side events
	EventError     EventName = "ERROR"
	EventRetry     EventName = "RETRY"
	EventReprocess EventName = "REPROCESS"
	EventTimeout   EventName = "TIMEOUT"
	EventCancel    EventName = "CANCEL"
	EventPause     EventName = "PAUSE"
	EventResume    EventName = "RESUME"
)

// Gate names a human review point in the pipeline.
type Gate string

const (
	GateIssueReview   Gate = "ISSUE_REVIEW"
	GateFixReview     Gate = "FIX_REVIEW"
	GateMappingReview Gate = "MAPPING_REVIEW"
	GateFinalReview   Gate = "FINAL_REVIEW"
)

// Decision is a reviewer's resolution of a single gate item.
type Decision string

const (
	DecisionAccept    Decision = "ACCEPT"
	DecisionReject    Decision = "REJECT"
	DecisionModify    Decision = "MODIFY"
	DecisionOverride  Decision = "OVERRIDE"
	DecisionManualFix Decision = "MANUAL_FIX"
)

var gateStates = map[State]Gate{
	StateAwaitingReview1: GateIssueReview,
	StateAwaitingReview2: GateFixReview,
	StateAwaitingReview3: GateMappingReview,
	StateAwaitingReview4: GateFinalReview,
}

var statesByGate = map[Gate]State{
	GateIssueReview:   StateAwaitingReview1,
	GateFixReview:     StateAwaitingReview2,
	GateMappingReview: StateAwaitingReview3,
	GateFinalReview:   StateAwaitingReview4,
}

// AllGates lists the review gates in pipeline order.
var AllGates = []Gate{GateIssueReview, GateFixReview, GateMappingReview, GateFinalReview}

// AutomatedStates are the states driven by the Stage Agent with no human input.
// Jobs stuck in one of these past the staleness threshold are picked up by the
// recovery sweeper.
var AutomatedStates = []State{
	StateUploadReceived,
	StatePreprocessing,
	StateStage1Running,
	StateStage2Running,
	StateStage3Running,
	StateAutoRemediation,
	StateVerification,
	StateMapping,
	StateGeneration,
	StateRetrying,
}

// TerminalStates have no outgoing transitions under normal operation.
var TerminalStates = []State{StateCompleted, StateCancelled, StateHITLTimeout}

// IsGateState reports whether s suspends the pipeline for human review.
func IsGateState(s State) bool {
	_, ok := gateStates[s]
	return ok
}

// IsTerminalState reports whether s is final.
func IsTerminalState(s State) bool {
	return s == StateCompleted || s == StateCancelled || s == StateHITLTimeout
}

// IsAutomatedState reports whether s is driven by the Stage Agent.
func IsAutomatedState(s State) bool {
	for _, a := range AutomatedStates {
		if s == a {
			return true
		}
	}
	return false
}

// GateForState returns the gate associated with a review state.
func GateForState(s State) (Gate, bool) {
	g, ok := gateStates[s]
	return g, ok
}

// StateForGate returns the review state associated with a gate.
func StateForGate(g Gate) (State, bool) {
	s, ok := statesByGate[g]
	return s, ok
}

// ValidGate reports whether g is one of the defined review gates.
func ValidGate(g Gate) bool {
	_, ok := statesByGate[g]
	return ok
}
