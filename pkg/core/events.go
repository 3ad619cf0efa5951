package core

import "time"

// Notification is the interface for all best-effort broadcast events. They
// inform external subscribers and never affect transition outcomes.
type Notification interface {
	notificationMarker()
}

// StateChanged is emitted after every persisted transition.
type StateChanged struct {
	JobID     string
	From      State
	To        State
	Event     EventName
	Phase     string // coarse pipeline phase for dashboards
	Timestamp time.Time
}

func (*StateChanged) notificationMarker() {}

// GateOpened is emitted when a review gate opens for a job.
type GateOpened struct {
	JobID     string
	Gate      Gate
	ItemCount int
	Deadline  *time.Time // nil when the gate has no timeout
	Timestamp time.Time
}

func (*GateOpened) notificationMarker() {}

// StageProgress reports partial review progress mid-gate.
type StageProgress struct {
	JobID     string
	Done      int
	Pending   int
	Total     int
	Timestamp time.Time
}

func (*StageProgress) notificationMarker() {}

// JobErrored is emitted when stage processing fails and the job moves to FAILED.
type JobErrored struct {
	JobID      string
	Error      string
	State      State
	Retryable  bool
	RetryCount int
	Timestamp  time.Time
}

func (*JobErrored) notificationMarker() {}

// BatchProgress is emitted as member jobs of a batch change state.
type BatchProgress struct {
	BatchID        string
	Completed      int
	Total          int
	Failed         int
	PerStateCounts map[State]int
	Timestamp      time.Time
}

func (*BatchProgress) notificationMarker() {}

// Phase buckets states into coarse progress bands for notifications.
func Phase(s State) string {
	switch {
	case s == StateUploadReceived, s == StatePreprocessing:
		return "intake"
	case s == StateStage1Running, s == StateStage2Running, s == StateStage3Running:
		return "analysis"
	case IsGateState(s):
		return "review"
	case s == StateAutoRemediation, s == StateVerification, s == StateMapping, s == StateGeneration:
		return "remediation"
	case IsTerminalState(s):
		return "done"
	default:
		return "other"
	}
}
