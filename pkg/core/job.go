// Package core provides the domain models and interfaces for the docflow package.
package core

import (
	"encoding/json"
	"time"
)

// JobInstance represents one document moving through the pipeline.
type JobInstance struct {
	ID           string     `gorm:"primaryKey;size:36"`
	TenantID     string     `gorm:"index;size:64;not null"`
	SubjectID    string     `gorm:"index;size:255;not null"` // source artifact reference
	CurrentState State      `gorm:"index;size:32;not null"`
	StateData    []byte     `gorm:"type:bytes"` // accumulated stage output, JSON object
	RetryCount   int        `gorm:"default:0"`
	LoopCount    int        `gorm:"default:0"` // rework loops through review gates
	ErrorMessage string     `gorm:"type:text"`
	BatchID      *string    `gorm:"index;size:36"`
	StartedAt    time.Time  `gorm:"index;not null"` // entry into the current state
	CompletedAt  *time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// Data unmarshals the accumulated state data. A nil or empty blob yields an
// empty map.
func (j *JobInstance) Data() (map[string]any, error) {
	if len(j.StateData) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(j.StateData, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// MergeData shallow-merges payload into the job's state data; new keys win.
// The blob is only ever merged, never replaced wholesale.
func (j *JobInstance) MergeData(payload map[string]any) error {
	if len(payload) == 0 {
		return nil
	}
	m, err := j.Data()
	if err != nil {
		return err
	}
	for k, v := range payload {
		m[k] = v
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	j.StateData = b
	return nil
}

// TransitionEvent is the immutable audit record of one transition.
type TransitionEvent struct {
	ID        string    `gorm:"primaryKey;size:36"`
	JobID     string    `gorm:"index;size:36;not null"`
	EventName EventName `gorm:"size:64;not null"`
	FromState State     `gorm:"size:32;not null"`
	ToState   State     `gorm:"size:32;not null"`
	Payload   []byte    `gorm:"type:bytes"`
	Timestamp time.Time `gorm:"index;not null"`
}

// GateItem is one unit awaiting human judgement at a gate. Rows exist only
// while the gate is open for the job; the in-memory pending set is rebuilt
// from them after a restart.
type GateItem struct {
	ID            string    `gorm:"primaryKey;size:36"`
	JobID         string    `gorm:"index:idx_gate_items_job_gate;size:36;not null"`
	Gate          Gate      `gorm:"index:idx_gate_items_job_gate;size:32;not null"`
	ItemType      string    `gorm:"size:64;not null"`
	ItemID        string    `gorm:"size:255;not null"`
	OriginalValue string    `gorm:"type:text"`
	Suggestion    string    `gorm:"type:text"` // AI-proposed replacement, if any
	Confidence    float64   `gorm:"default:0"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

// GateDecision is a reviewer's persisted resolution of one GateItem. Rows are
// retained forever as the compliance trail.
type GateDecision struct {
	ID            string    `gorm:"primaryKey;size:36"`
	JobID         string    `gorm:"index:idx_gate_decisions_job_gate;size:36;not null"`
	Gate          Gate      `gorm:"index:idx_gate_decisions_job_gate;size:32;not null"`
	ItemID        string    `gorm:"size:255;not null"`
	Decision      Decision  `gorm:"size:20;not null"`
	OriginalValue string    `gorm:"type:text"`
	ModifiedValue string    `gorm:"type:text"`
	Justification string    `gorm:"type:text"`
	ReviewerID    string    `gorm:"index;size:64;not null"`
	DecidedAt     time.Time `gorm:"not null"`
}

// BatchStatus is the lifecycle status of a BatchInstance.
type BatchStatus string

const (
	BatchPending    BatchStatus = "PENDING"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchPaused     BatchStatus = "PAUSED"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
	BatchCancelled  BatchStatus = "CANCELLED"
)

// BatchInstance groups jobs submitted together under one automation policy.
type BatchInstance struct {
	ID               string      `gorm:"primaryKey;size:36"`
	TenantID         string      `gorm:"index;size:64;not null"`
	Name             string      `gorm:"size:255;not null"`
	CreatedBy        string      `gorm:"size:64"`
	TotalJobs        int         `gorm:"not null"`
	CompletedJobs    int         `gorm:"default:0"`
	FailedJobs       int         `gorm:"default:0"`
	ConcurrencyLimit int         `gorm:"default:1"`
	Status           BatchStatus `gorm:"index;size:20;default:'PENDING'"`
	Policy           []byte      `gorm:"type:bytes"` // serialized AutoApprovalPolicy
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

// AutoApprovalPolicy controls which gates a batch auto-accepts and how member
// failures affect the rest of the batch.
type AutoApprovalPolicy struct {
	Gates   map[Gate]GateMode `json:"gates"`
	OnError ErrorStrategy     `json:"onError"`
}

// GateMode is the per-gate automation setting in an AutoApprovalPolicy.
type GateMode string

const (
	GateAutoAccept    GateMode = "auto-accept"
	GateRequireManual GateMode = "require-manual"
)

// ErrorStrategy is the batch-level reaction to a member job failure.
type ErrorStrategy string

const (
	OnErrorPauseBatch     ErrorStrategy = "pause-batch"
	OnErrorContinueOthers ErrorStrategy = "continue-others"
	OnErrorFailBatch      ErrorStrategy = "fail-batch"
)

// FullyHeadless reports whether every gate is set to auto-accept.
func (p AutoApprovalPolicy) FullyHeadless() bool {
	for _, g := range AllGates {
		if p.Gates[g] != GateAutoAccept {
			return false
		}
	}
	return true
}

// BatchJob links a member job to its batch with a status snapshot taken at
// batch creation time.
type BatchJob struct {
	ID           string    `gorm:"primaryKey;size:36"`
	BatchID      string    `gorm:"index;size:36;not null"`
	JobID        string    `gorm:"index;size:36;not null"`
	InitialState State     `gorm:"size:32;not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

// TenantSettings is the stored per-tenant workflow configuration. Settings is
// a JSON document parsed tolerantly by the config resolver; malformed fields
// fall back to defaults.
type TenantSettings struct {
	TenantID  string    `gorm:"primaryKey;size:64"`
	Settings  []byte    `gorm:"type:bytes"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
