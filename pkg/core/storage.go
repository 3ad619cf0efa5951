package core

import (
	"context"
	"time"
)

// Starter is the interface for long-running components (agents, sweepers).
type Starter interface {
	Start(ctx context.Context) error
}

// Storage defines the persistence layer for jobs, gates, tenants and batches.
// It is the single source of truth; every in-memory structure must be
// reconstructable from it.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Job lifecycle
	CreateJob(ctx context.Context, job *JobInstance) error
	GetJob(ctx context.Context, jobID string) (*JobInstance, error)
	GetJobsByIDs(ctx context.Context, tenantID string, ids []string) ([]*JobInstance, error)
	GetJobsByState(ctx context.Context, state State, limit int) ([]*JobInstance, error)

	// ListStaleJobs returns jobs sitting in one of the given states since
	// before the cutoff. Used by the recovery sweeper.
	ListStaleJobs(ctx context.Context, states []State, cutoff time.Time) ([]*JobInstance, error)

	// ApplyTransition persists the job's new state and appends its audit
	// event as one atomic unit. The update is conditioned on the row still
	// being in from; ErrTransitionConflict is returned when another
	// transition won the race.
	ApplyTransition(ctx context.Context, job *JobInstance, from State, ev *TransitionEvent) error
	ListEvents(ctx context.Context, jobID string) ([]TransitionEvent, error)

	// Gate items and decisions
	ReplaceGateItems(ctx context.Context, jobID string, gate Gate, items []GateItem) error
	GetGateItems(ctx context.Context, jobID string, gate Gate) ([]GateItem, error)
	// RecordDecision removes the matching pending item and inserts the
	// decision atomically. ErrItemNotFound when no such item row exists.
	RecordDecision(ctx context.Context, d *GateDecision) error
	GetDecisions(ctx context.Context, jobID string, gate Gate) ([]GateDecision, error)
	CountDecisions(ctx context.Context, jobID string, gate Gate) (int64, error)
	ClearGate(ctx context.Context, jobID string, gate Gate) error

	// Tenant settings
	GetTenantSettings(ctx context.Context, tenantID string) (*TenantSettings, error)
	UpdateTenantSettings(ctx context.Context, ts *TenantSettings) error

	// Batches
	CreateBatch(ctx context.Context, batch *BatchInstance, members []BatchJob) error
	GetBatch(ctx context.Context, batchID string) (*BatchInstance, error)
	GetBatchJobs(ctx context.Context, batchID string) ([]BatchJob, error)
	// UpdateBatchStatus conditionally moves a batch out of one of the from
	// statuses; reports whether a row changed.
	UpdateBatchStatus(ctx context.Context, batchID string, from []BatchStatus, to BatchStatus) (bool, error)
	IncrementBatchCompleted(ctx context.Context, batchID string) (*BatchInstance, error)
	IncrementBatchFailed(ctx context.Context, batchID string) (*BatchInstance, error)
	// RecalculateBatchCounters recounts completed/failed members from the
	// job table, e.g. after a member retry resolves.
	RecalculateBatchCounters(ctx context.Context, batchID string) (*BatchInstance, error)
	ListBatchMemberStates(ctx context.Context, batchID string) (map[State]int, error)
}
