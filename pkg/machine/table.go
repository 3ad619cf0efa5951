// Package machine implements the canonical transition table and the executor
// that validates, applies and persists transitions atomically with their
// audit events.
package machine

import (
	"fmt"

	"github.com/docflow-io/docflow/pkg/core"
)

// transitions is the static table mapping (state, event) to the target state.
// It is validated once at package init; the executor never computes targets
// any other way.
var transitions = map[core.State]map[core.EventName]core.State{
	core.StateUploadReceived: {
		core.EventPreprocess: core.StatePreprocessing,
		core.EventReprocess:  core.StatePreprocessing,
	},
	core.StatePreprocessing: {
		core.EventAnalyze: core.StateStage1Running,
	},
	core.StateStage1Running: {
		core.EventValidate:  core.StateStage2Running,
		core.EventReprocess: core.StatePreprocessing,
	},
	core.StateStage2Running: {
		core.EventClassify:  core.StateStage3Running,
		core.EventReprocess: core.StatePreprocessing,
	},
	core.StateStage3Running: {
		core.EventReviewIssues: core.StateAwaitingReview1,
		core.EventReprocess:    core.StatePreprocessing,
	},
	core.StateAwaitingReview1: {
		core.EventRemediate:    core.StateAutoRemediation,
		core.EventRejectIssues: core.StateStage3Running,
		core.EventTimeout:      core.StateHITLTimeout,
	},
	core.StateAutoRemediation: {
		core.EventReviewFixes: core.StateAwaitingReview2,
		core.EventReprocess:   core.StatePreprocessing,
	},
	core.StateAwaitingReview2: {
		core.EventVerify:      core.StateVerification,
		core.EventRejectFixes: core.StateAutoRemediation,
		core.EventTimeout:     core.StateHITLTimeout,
	},
	core.StateVerification: {
		core.EventMapFields: core.StateMapping,
		core.EventReprocess: core.StatePreprocessing,
	},
	core.StateMapping: {
		core.EventReviewMapping: core.StateAwaitingReview3,
		core.EventReprocess:     core.StatePreprocessing,
	},
	core.StateAwaitingReview3: {
		core.EventGenerate:      core.StateGeneration,
		core.EventRejectMapping: core.StateMapping,
		core.EventTimeout:       core.StateHITLTimeout,
	},
	core.StateGeneration: {
		core.EventReviewOutput: core.StateAwaitingReview4,
		core.EventReprocess:    core.StatePreprocessing,
	},
	core.StateAwaitingReview4: {
		core.EventComplete:     core.StateCompleted,
		core.EventRejectOutput: core.StateGeneration,
		core.EventTimeout:      core.StateHITLTimeout,
	},
	core.StateFailed: {
		core.EventRetry:  core.StateRetrying,
		core.EventCancel: core.StateCancelled,
	},
	core.StateRetrying: {
		core.EventReprocess: core.StatePreprocessing,
	},
	core.StatePaused: {
		core.EventResume: core.StatePreprocessing,
	},
}

// reworkEvents return a job from a review gate to its producing stage and
// increment LoopCount when applied.
var reworkEvents = map[core.EventName]bool{
	core.EventRejectIssues:  true,
	core.EventRejectFixes:   true,
	core.EventRejectMapping: true,
	core.EventRejectOutput:  true,
}

// gateApproveEvents and gateRejectEvents are the fixed per-gate follow-up
// rules: a gate whose decisions contain any REJECT routes to the reject
// event, otherwise to the approve event.
var gateApproveEvents = map[core.Gate]core.EventName{
	core.GateIssueReview:   core.EventRemediate,
	core.GateFixReview:     core.EventVerify,
	core.GateMappingReview: core.EventGenerate,
	core.GateFinalReview:   core.EventComplete,
}

var gateRejectEvents = map[core.Gate]core.EventName{
	core.GateIssueReview:   core.EventRejectIssues,
	core.GateFixReview:     core.EventRejectFixes,
	core.GateMappingReview: core.EventRejectMapping,
	core.GateFinalReview:   core.EventRejectOutput,
}

// autoEvents is the canonical forward event fired by the Stage Agent for each
// automated state.
var autoEvents = map[core.State]core.EventName{
	core.StateUploadReceived:  core.EventPreprocess,
	core.StatePreprocessing:   core.EventAnalyze,
	core.StateStage1Running:   core.EventValidate,
	core.StateStage2Running:   core.EventClassify,
	core.StateStage3Running:   core.EventReviewIssues,
	core.StateAutoRemediation: core.EventReviewFixes,
	core.StateVerification:    core.EventMapFields,
	core.StateMapping:         core.EventReviewMapping,
	core.StateGeneration:      core.EventReviewOutput,
	core.StateRetrying:        core.EventReprocess,
}

func init() {
	// ERROR, CANCEL and PAUSE apply uniformly to every active state; filling
	// them in here keeps the literal table readable.
	for state, events := range transitions {
		if core.IsTerminalState(state) {
			continue
		}
		if state != core.StateFailed && state != core.StatePaused {
			events[core.EventError] = core.StateFailed
			events[core.EventCancel] = core.StateCancelled
			events[core.EventPause] = core.StatePaused
		}
	}
	if err := validateTable(); err != nil {
		panic("docflow: invalid transition table: " + err.Error())
	}
}

// validateTable enforces the structural invariants of the table: every target
// is a defined state, no entry is a self-transition, and every gate state can
// be approved, rejected and timed out.
func validateTable() error {
	defined := map[core.State]bool{}
	for _, s := range []core.State{
		core.StateUploadReceived, core.StatePreprocessing,
		core.StateStage1Running, core.StateStage2Running, core.StateStage3Running,
		core.StateAwaitingReview1, core.StateAutoRemediation, core.StateAwaitingReview2,
		core.StateVerification, core.StateMapping, core.StateAwaitingReview3,
		core.StateGeneration, core.StateAwaitingReview4,
		core.StateCompleted, core.StateFailed, core.StateRetrying,
		core.StateCancelled, core.StateHITLTimeout, core.StatePaused,
	} {
		defined[s] = true
	}

	for from, events := range transitions {
		if !defined[from] {
			return fmt.Errorf("unknown source state %s", from)
		}
		if core.IsTerminalState(from) {
			return fmt.Errorf("terminal state %s must not have outgoing transitions", from)
		}
		for ev, to := range events {
			if !defined[to] {
				return fmt.Errorf("unknown target state %s for %s/%s", to, from, ev)
			}
			if from == to {
				return fmt.Errorf("self-transition %s/%s", from, ev)
			}
		}
	}

	for state, gate := range map[core.State]core.Gate{
		core.StateAwaitingReview1: core.GateIssueReview,
		core.StateAwaitingReview2: core.GateFixReview,
		core.StateAwaitingReview3: core.GateMappingReview,
		core.StateAwaitingReview4: core.GateFinalReview,
	} {
		events := transitions[state]
		if events == nil {
			return fmt.Errorf("gate state %s has no transitions", state)
		}
		if _, ok := events[core.EventTimeout]; !ok {
			return fmt.Errorf("gate state %s has no TIMEOUT transition", state)
		}
		if _, ok := events[gateApproveEvents[gate]]; !ok {
			return fmt.Errorf("gate state %s has no approve transition", state)
		}
		if _, ok := events[gateRejectEvents[gate]]; !ok {
			return fmt.Errorf("gate state %s has no reject transition", state)
		}
	}
	return nil
}

// Target resolves the table entry for (from, event).
func Target(from core.State, event core.EventName) (core.State, bool) {
	events, ok := transitions[from]
	if !ok {
		return "", false
	}
	to, ok := events[event]
	return to, ok
}

// NextAutoEvent returns the forward event the Stage Agent fires after the
// collaborator for state finishes. ok is false for gated, terminal and
// side states.
func NextAutoEvent(state core.State) (core.EventName, bool) {
	ev, ok := autoEvents[state]
	return ev, ok
}

// GateApproveEvent returns the follow-up event for a gate with no rejections.
func GateApproveEvent(gate core.Gate) core.EventName {
	return gateApproveEvents[gate]
}

// GateRejectEvent returns the rework event for a gate with at least one
// REJECT decision.
func GateRejectEvent(gate core.Gate) core.EventName {
	return gateRejectEvents[gate]
}

// IsReworkEvent reports whether applying event increments LoopCount.
func IsReworkEvent(event core.EventName) bool {
	return reworkEvents[event]
}
