// Package batch groups many job instances under one batch, enforces the
// headless-automation policy and aggregates per-stage progress.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docflow-io/docflow/pkg/config"
	"github.com/docflow-io/docflow/pkg/core"
	"github.com/docflow-io/docflow/pkg/machine"
	"github.com/docflow-io/docflow/pkg/notify"
	"github.com/docflow-io/docflow/pkg/security"
)

// Dispatcher hands member jobs to an external concurrency-limited queue.
// When none is configured the orchestrator falls back to in-process
// sequential processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Runner processes one member job in-process (the sequential fallback path).
type Runner func(ctx context.Context, jobID string) error

// Orchestrator manages batch lifecycle and progress aggregation.
type Orchestrator struct {
	store      core.Storage
	executor   *machine.Executor
	resolver   *config.Resolver
	bus        *notify.Bus
	dispatcher Dispatcher
	runner     Runner
	logger     *slog.Logger
}

// OrchestratorOption modifies a batch Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithDispatcher installs an external queue dispatcher, preferred over the
// sequential fallback.
func WithDispatcher(d Dispatcher) OrchestratorOption {
	return func(o *Orchestrator) { o.dispatcher = d }
}

// WithRunner sets the in-process member-job runner used when no dispatcher is
// configured.
func WithRunner(r Runner) OrchestratorOption {
	return func(o *Orchestrator) { o.runner = r }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates a batch orchestrator.
func NewOrchestrator(store core.Storage, executor *machine.Executor, resolver *config.Resolver, bus *notify.Bus, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		executor: executor,
		resolver: resolver,
		bus:      bus,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateOptions configures a new batch.
type CreateOptions struct {
	Name             string
	ConcurrencyLimit int
	Policy           core.AutoApprovalPolicy
}

// CreateBatch validates that every id resolves to an existing job owned by
// the tenant (a partial match fails the whole call, naming the missing ids),
// snapshots initial per-job status and persists the batch with one child row
// per job.
//
// A policy that auto-accepts every gate requires the tenant's explicit
// AllowFullyHeadless opt-in; otherwise at least one gate must remain
// human-reviewed and creation is rejected.
func (o *Orchestrator) CreateBatch(ctx context.Context, tenantID, userID string, jobIDs []string, opts CreateOptions) (*core.BatchInstance, error) {
	if err := security.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if err := security.ValidateBatchName(opts.Name); err != nil {
		return nil, err
	}
	if len(jobIDs) == 0 {
		return nil, errors.New("docflow: batch requires at least one job")
	}

	if opts.Policy.FullyHeadless() {
		cfg, err := o.resolver.GetEffectiveConfig(ctx, tenantID, nil)
		if err != nil {
			return nil, err
		}
		if !cfg.AllowFullyHeadless {
			return nil, fmt.Errorf("%w: tenant %s has not enabled AllowFullyHeadless", core.ErrHeadlessPolicy, tenantID)
		}
	}

	jobs, err := o.store.GetJobsByIDs(ctx, tenantID, jobIDs)
	if err != nil {
		return nil, err
	}
	found := make(map[string]*core.JobInstance, len(jobs))
	for _, j := range jobs {
		found[j.ID] = j
	}
	var missing []string
	for _, id := range jobIDs {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: jobs not found for tenant %s: %s", core.ErrNotFound, tenantID, strings.Join(missing, ", "))
	}

	policyBytes, err := json.Marshal(opts.Policy)
	if err != nil {
		return nil, fmt.Errorf("docflow: marshal policy: %w", err)
	}

	batch := &core.BatchInstance{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		Name:             opts.Name,
		CreatedBy:        userID,
		TotalJobs:        len(jobIDs),
		ConcurrencyLimit: security.ClampConcurrency(opts.ConcurrencyLimit),
		Status:           core.BatchPending,
		Policy:           policyBytes,
	}

	members := make([]core.BatchJob, len(jobIDs))
	for i, id := range jobIDs {
		members[i] = core.BatchJob{
			ID:           uuid.New().String(),
			BatchID:      batch.ID,
			JobID:        id,
			InitialState: found[id].CurrentState,
		}
	}

	if err := o.store.CreateBatch(ctx, batch, members); err != nil {
		return nil, err
	}
	o.logger.Info("batch created", "batch", batch.ID, "tenant", tenantID, "jobs", len(jobIDs))
	return batch, nil
}

// ProcessBatch moves the batch to PROCESSING and works its members. An
// external dispatcher is preferred; without one, members are processed
// sequentially in-process, with the counters bumped and progress broadcast
// after every job and a final recount settling the authoritative totals.
// Member failures follow the batch's configured OnError strategy.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batchID string) error {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	moved, err := o.store.UpdateBatchStatus(ctx, batchID, []core.BatchStatus{core.BatchPending}, core.BatchProcessing)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("docflow: batch %s is not pending (status %s)", batchID, batch.Status)
	}

	members, err := o.store.GetBatchJobs(ctx, batchID)
	if err != nil {
		return err
	}

	if o.dispatcher != nil {
		for _, m := range members {
			if err := o.dispatcher.Dispatch(ctx, m.JobID); err != nil {
				return fmt.Errorf("docflow: dispatch member %s: %w", m.JobID, err)
			}
		}
		return nil
	}

	var policy core.AutoApprovalPolicy
	if len(batch.Policy) > 0 {
		if err := json.Unmarshal(batch.Policy, &policy); err != nil {
			o.logger.Warn("malformed batch policy, continuing others on error", "batch", batchID, "error", err)
		}
	}

	for _, m := range members {
		current, err := o.store.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if current.Status != core.BatchProcessing {
			// Paused or cancelled mid-run; remaining members stay untouched.
			o.logger.Info("batch processing interrupted", "batch", batchID, "status", string(current.Status))
			return nil
		}

		runErr := o.runMember(ctx, m.JobID)
		if runErr != nil {
			if _, err := o.store.IncrementBatchFailed(ctx, batchID); err != nil {
				o.logger.Error("bump failed counter", "batch", batchID, "error", err)
			}
		} else {
			if _, err := o.store.IncrementBatchCompleted(ctx, batchID); err != nil {
				o.logger.Error("bump completed counter", "batch", batchID, "error", err)
			}
		}
		o.emitProgress(ctx, batchID)

		if runErr != nil {
			o.logger.Error("batch member failed", "batch", batchID, "job", m.JobID, "error", runErr)
			switch policy.OnError {
			case core.OnErrorPauseBatch:
				_, _ = o.store.UpdateBatchStatus(ctx, batchID, []core.BatchStatus{core.BatchProcessing}, core.BatchPaused)
				return nil
			case core.OnErrorFailBatch:
				_, _ = o.store.UpdateBatchStatus(ctx, batchID, []core.BatchStatus{core.BatchProcessing}, core.BatchFailed)
				return nil
			default:
				// continue-others
			}
		}
	}

	final, err := o.store.RecalculateBatchCounters(ctx, batchID)
	if err != nil {
		return err
	}
	target := core.BatchCompleted
	if final.FailedJobs > 0 {
		target = core.BatchFailed
	}
	_, err = o.store.UpdateBatchStatus(ctx, batchID, []core.BatchStatus{core.BatchProcessing}, target)
	o.emitProgress(ctx, batchID)
	return err
}

func (o *Orchestrator) runMember(ctx context.Context, jobID string) error {
	if o.runner == nil {
		return errors.New("docflow: no dispatcher or runner configured")
	}
	return o.runner(ctx, jobID)
}

// PauseBatch pauses the batch and every member whose current state admits a
// PAUSE transition; terminal and already-paused members are untouched.
func (o *Orchestrator) PauseBatch(ctx context.Context, batchID string) error {
	moved, err := o.store.UpdateBatchStatus(ctx, batchID, []core.BatchStatus{core.BatchPending, core.BatchProcessing}, core.BatchPaused)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("docflow: batch %s cannot be paused", batchID)
	}
	return o.transitionEligibleMembers(ctx, batchID, core.EventPause)
}

// ResumeBatch resumes a paused batch and its paused members.
func (o *Orchestrator) ResumeBatch(ctx context.Context, batchID string) error {
	moved, err := o.store.UpdateBatchStatus(ctx, batchID, []core.BatchStatus{core.BatchPaused}, core.BatchProcessing)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("docflow: batch %s is not paused", batchID)
	}
	return o.transitionEligibleMembers(ctx, batchID, core.EventResume)
}

// RetryFailedBatch fires RETRY on every member currently in FAILED.
func (o *Orchestrator) RetryFailedBatch(ctx context.Context, batchID string) error {
	if err := o.transitionEligibleMembers(ctx, batchID, core.EventRetry); err != nil {
		return err
	}
	if _, err := o.store.RecalculateBatchCounters(ctx, batchID); err != nil {
		return err
	}
	o.emitProgress(ctx, batchID)
	return nil
}

// memberCancellable reports whether a member in state s can be cancelled as
// part of a batch cancellation: the table must admit CANCEL and the member
// must not be actively mid-stage. Members awaiting dispatch, suspended at a
// review gate or failed qualify; a member inside an automated stage runs to
// its next stop.
func memberCancellable(s core.State) bool {
	if _, ok := machine.Target(s, core.EventCancel); !ok {
		return false
	}
	return s == core.StateUploadReceived || s == core.StateFailed || core.IsGateState(s)
}

// CancelBatch cancels a batch that is still PENDING or PROCESSING. Members
// not actively mid-stage are cancelled with them; in-flight members run to
// completion.
func (o *Orchestrator) CancelBatch(ctx context.Context, batchID string) error {
	moved, err := o.store.UpdateBatchStatus(ctx, batchID, []core.BatchStatus{core.BatchPending, core.BatchProcessing}, core.BatchCancelled)
	if err != nil {
		return err
	}
	if !moved {
		return core.ErrBatchNotCancellable
	}

	members, err := o.store.GetBatchJobs(ctx, batchID)
	if err != nil {
		return err
	}
	for _, m := range members {
		job, err := o.store.GetJob(ctx, m.JobID)
		if err != nil {
			o.logger.Error("load batch member", "batch", batchID, "job", m.JobID, "error", err)
			continue
		}
		if !memberCancellable(job.CurrentState) {
			continue
		}
		if _, err := o.executor.Transition(ctx, m.JobID, core.EventCancel, nil); err != nil {
			o.logger.Error("cancel batch member", "batch", batchID, "job", m.JobID, "error", err)
		}
	}
	o.emitProgress(ctx, batchID)
	return nil
}

// RetryJob retries one FAILED member and recomputes the batch's aggregate
// counters once the retry resolves.
func (o *Orchestrator) RetryJob(ctx context.Context, batchID, jobID string) error {
	if _, err := o.executor.Transition(ctx, jobID, core.EventRetry, nil); err != nil {
		return err
	}
	if _, err := o.store.RecalculateBatchCounters(ctx, batchID); err != nil {
		return err
	}
	o.emitProgress(ctx, batchID)
	return nil
}

// Dashboard aggregates batch status for operators.
type Dashboard struct {
	Batch          *core.BatchInstance
	PerStateCounts map[core.State]int
}

// GetDashboard returns the batch with live per-state member counts.
func (o *Orchestrator) GetDashboard(ctx context.Context, batchID string) (*Dashboard, error) {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	counts, err := o.store.ListBatchMemberStates(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &Dashboard{Batch: batch, PerStateCounts: counts}, nil
}

// transitionEligibleMembers fires event on every member whose current state
// has a table entry for it; others are left untouched.
func (o *Orchestrator) transitionEligibleMembers(ctx context.Context, batchID string, event core.EventName) error {
	members, err := o.store.GetBatchJobs(ctx, batchID)
	if err != nil {
		return err
	}
	for _, m := range members {
		job, err := o.store.GetJob(ctx, m.JobID)
		if err != nil {
			o.logger.Error("load batch member", "batch", batchID, "job", m.JobID, "error", err)
			continue
		}
		if _, ok := machine.Target(job.CurrentState, event); !ok {
			continue
		}
		if _, err := o.executor.Transition(ctx, m.JobID, event, nil); err != nil {
			o.logger.Error("transition batch member", "batch", batchID, "job", m.JobID, "event", string(event), "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) emitProgress(ctx context.Context, batchID string) {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return
	}
	counts, err := o.store.ListBatchMemberStates(ctx, batchID)
	if err != nil {
		return
	}
	o.bus.Emit(&core.BatchProgress{
		BatchID:        batchID,
		Completed:      batch.CompletedJobs,
		Total:          batch.TotalJobs,
		Failed:         batch.FailedJobs,
		PerStateCounts: counts,
		Timestamp:      time.Now(),
	})
}
