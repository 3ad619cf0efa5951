package batch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/docflow-io/docflow/pkg/config"
	"github.com/docflow-io/docflow/pkg/core"
	"github.com/docflow-io/docflow/pkg/machine"
	"github.com/docflow-io/docflow/pkg/notify"
	"github.com/docflow-io/docflow/pkg/storage"
)

type batchFixture struct {
	store core.Storage
	exec  *machine.Executor
	bus   *notify.Bus
	orch  *Orchestrator
}

func newBatchFixture(t *testing.T, opts ...OrchestratorOption) *batchFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")

	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()), "migrate schema")

	bus := notify.NewBus()
	exec := machine.NewExecutor(store, bus)
	resolver := config.NewResolver(store)
	return &batchFixture{
		store: store,
		exec:  exec,
		bus:   bus,
		orch:  NewOrchestrator(store, exec, resolver, bus, opts...),
	}
}

func (f *batchFixture) createJobs(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		job := &core.JobInstance{TenantID: "acme", SubjectID: "doc"}
		require.NoError(t, f.store.CreateJob(context.Background(), job))
		ids[i] = job.ID
	}
	return ids
}

// manualPolicy keeps every gate human-reviewed.
func manualPolicy() core.AutoApprovalPolicy {
	gates := make(map[core.Gate]core.GateMode, len(core.AllGates))
	for _, g := range core.AllGates {
		gates[g] = core.GateRequireManual
	}
	return core.AutoApprovalPolicy{Gates: gates, OnError: core.OnErrorContinueOthers}
}

func headlessPolicy() core.AutoApprovalPolicy {
	gates := make(map[core.Gate]core.GateMode, len(core.AllGates))
	for _, g := range core.AllGates {
		gates[g] = core.GateAutoAccept
	}
	return core.AutoApprovalPolicy{Gates: gates, OnError: core.OnErrorContinueOthers}
}

func enableHeadless(t *testing.T, store core.Storage) {
	t.Helper()
	require.NoError(t, store.UpdateTenantSettings(context.Background(), &core.TenantSettings{
		TenantID: "acme",
		Settings: []byte(`{"allowFullyHeadless": true}`),
	}))
}

// ──────────────────────────────────────────────────────────────────────────────
// CreateBatch
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateBatch_SnapshotsMembers(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	ids := f.createJobs(t, 3)

	batch, err := f.orch.CreateBatch(ctx, "acme", "user-1", ids, CreateOptions{
		Name:             "Q3 invoices",
		ConcurrencyLimit: 4,
		Policy:           manualPolicy(),
	})
	require.NoError(t, err)
	assert.Equal(t, core.BatchPending, batch.Status)
	assert.Equal(t, 3, batch.TotalJobs)
	assert.Equal(t, 4, batch.ConcurrencyLimit)

	members, err := f.store.GetBatchJobs(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, members, 3)
	for _, m := range members {
		assert.Equal(t, core.StateUploadReceived, m.InitialState)
	}
}

func TestCreateBatch_InvalidTenant(t *testing.T) {
	f := newBatchFixture(t)

	_, err := f.orch.CreateBatch(context.Background(), "bad tenant!", "user-1", []string{"x"}, CreateOptions{Policy: manualPolicy()})
	assert.Error(t, err)
}

func TestCreateBatch_EmptyJobList(t *testing.T) {
	f := newBatchFixture(t)

	_, err := f.orch.CreateBatch(context.Background(), "acme", "user-1", nil, CreateOptions{Policy: manualPolicy()})
	assert.Error(t, err)
}

func TestCreateBatch_MissingJobsFailWholeCall(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	ids := f.createJobs(t, 1)

	_, err := f.orch.CreateBatch(ctx, "acme", "user-1", append(ids, "ghost-1", "ghost-2"), CreateOptions{Policy: manualPolicy()})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Contains(t, err.Error(), "ghost-1")
	assert.Contains(t, err.Error(), "ghost-2")
}

func TestCreateBatch_OtherTenantsJobsAreMissing(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)

	theirs := &core.JobInstance{TenantID: "rival", SubjectID: "doc"}
	require.NoError(t, f.store.CreateJob(ctx, theirs))

	_, err := f.orch.CreateBatch(ctx, "acme", "user-1", []string{theirs.ID}, CreateOptions{Policy: manualPolicy()})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCreateBatch_HeadlessRequiresOptIn(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	ids := f.createJobs(t, 1)

	_, err := f.orch.CreateBatch(ctx, "acme", "user-1", ids, CreateOptions{Policy: headlessPolicy()})
	assert.ErrorIs(t, err, core.ErrHeadlessPolicy)
}

func TestCreateBatch_HeadlessAllowedWithOptIn(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	ids := f.createJobs(t, 1)
	enableHeadless(t, f.store)

	batch, err := f.orch.CreateBatch(ctx, "acme", "user-1", ids, CreateOptions{Policy: headlessPolicy()})
	require.NoError(t, err)
	assert.NotNil(t, batch)
}

func TestCreateBatch_PartialAutomationNeedsNoOptIn(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	ids := f.createJobs(t, 1)

	policy := headlessPolicy()
	policy.Gates[core.GateFinalReview] = core.GateRequireManual

	_, err := f.orch.CreateBatch(ctx, "acme", "user-1", ids, CreateOptions{Policy: policy})
	assert.NoError(t, err, "one human-reviewed gate keeps the batch out of headless territory")
}

func TestCreateBatch_ClampsConcurrency(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	ids := f.createJobs(t, 1)

	batch, err := f.orch.CreateBatch(ctx, "acme", "user-1", ids, CreateOptions{
		ConcurrencyLimit: -3,
		Policy:           manualPolicy(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.ConcurrencyLimit)
}

// ──────────────────────────────────────────────────────────────────────────────
// ProcessBatch
// ──────────────────────────────────────────────────────────────────────────────

// driveToCompleted is a test runner that walks a member job through every
// forward event to COMPLETED.
func driveToCompleted(f *batchFixture) Runner {
	return func(ctx context.Context, jobID string) error {
		for {
			job, err := f.store.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			if core.IsTerminalState(job.CurrentState) {
				return nil
			}
			var event core.EventName
			if next, ok := machine.NextAutoEvent(job.CurrentState); ok {
				event = next
			} else if gate, ok := core.GateForState(job.CurrentState); ok {
				event = machine.GateApproveEvent(gate)
			} else {
				return nil
			}
			if _, err := f.exec.Transition(ctx, jobID, event, nil); err != nil {
				return err
			}
		}
	}
}

func createPendingBatch(t *testing.T, f *batchFixture, n int, policy core.AutoApprovalPolicy) *core.BatchInstance {
	t.Helper()
	ids := f.createJobs(t, n)
	batch, err := f.orch.CreateBatch(context.Background(), "acme", "user-1", ids, CreateOptions{Policy: policy})
	require.NoError(t, err)
	return batch
}

func TestProcessBatch_SequentialCompletesAllMembers(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	f.orch.runner = driveToCompleted(f)
	batch := createPendingBatch(t, f, 3, manualPolicy())

	require.NoError(t, f.orch.ProcessBatch(ctx, batch.ID))

	got, err := f.store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchCompleted, got.Status)
	assert.Equal(t, 3, got.CompletedJobs)
	assert.Equal(t, 0, got.FailedJobs)
	assert.NotNil(t, got.CompletedAt)
}

func TestProcessBatch_OnlyPendingBatches(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	f.orch.runner = driveToCompleted(f)
	batch := createPendingBatch(t, f, 1, manualPolicy())

	require.NoError(t, f.orch.ProcessBatch(ctx, batch.ID))
	err := f.orch.ProcessBatch(ctx, batch.ID)
	assert.Error(t, err, "a batch processes once")
}

func TestProcessBatch_PrefersDispatcher(t *testing.T) {
	ctx := context.Background()

	var dispatched []string
	f := newBatchFixture(t)
	f.orch.dispatcher = dispatcherFunc(func(ctx context.Context, jobID string) error {
		dispatched = append(dispatched, jobID)
		return nil
	})
	batch := createPendingBatch(t, f, 2, manualPolicy())

	require.NoError(t, f.orch.ProcessBatch(ctx, batch.ID))
	assert.Len(t, dispatched, 2, "external queue receives every member")

	got, err := f.store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchProcessing, got.Status, "dispatcher path leaves completion to the queue")
}

type dispatcherFunc func(ctx context.Context, jobID string) error

func (f dispatcherFunc) Dispatch(ctx context.Context, jobID string) error { return f(ctx, jobID) }

// failNth fails the nth member (1-based) by driving it to FAILED; other
// members complete.
func failNth(f *batchFixture, n int) Runner {
	count := 0
	complete := driveToCompleted(f)
	return func(ctx context.Context, jobID string) error {
		count++
		if count == n {
			if _, err := f.exec.Transition(ctx, jobID, core.EventPreprocess, nil); err != nil {
				return err
			}
			if _, err := f.exec.Transition(ctx, jobID, core.EventError, map[string]any{"error": "stage blew up"}); err != nil {
				return err
			}
			return errors.New("stage blew up")
		}
		return complete(ctx, jobID)
	}
}

func TestProcessBatch_ContinueOthersOnError(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	f.orch.runner = failNth(f, 2)

	policy := manualPolicy()
	policy.OnError = core.OnErrorContinueOthers
	batch := createPendingBatch(t, f, 3, policy)

	require.NoError(t, f.orch.ProcessBatch(ctx, batch.ID))

	got, err := f.store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchFailed, got.Status, "any failed member fails the final status")
	assert.Equal(t, 2, got.CompletedJobs)
	assert.Equal(t, 1, got.FailedJobs)
}

func TestProcessBatch_PauseBatchOnError(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	f.orch.runner = failNth(f, 1)

	policy := manualPolicy()
	policy.OnError = core.OnErrorPauseBatch
	batch := createPendingBatch(t, f, 3, policy)

	require.NoError(t, f.orch.ProcessBatch(ctx, batch.ID))

	got, err := f.store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchPaused, got.Status)
	assert.Equal(t, 0, got.CompletedJobs, "remaining members were not processed")
	assert.Equal(t, 1, got.FailedJobs, "the failure is counted before the batch pauses")
}

func TestProcessBatch_FailBatchOnError(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	f.orch.runner = failNth(f, 1)

	policy := manualPolicy()
	policy.OnError = core.OnErrorFailBatch
	batch := createPendingBatch(t, f, 2, policy)

	require.NoError(t, f.orch.ProcessBatch(ctx, batch.ID))

	got, err := f.store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchFailed, got.Status)
}

// ──────────────────────────────────────────────────────────────────────────────
// Pause / resume / retry / cancel
// ──────────────────────────────────────────────────────────────────────────────

func TestPauseAndResumeBatch(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	batch := createPendingBatch(t, f, 2, manualPolicy())

	members, err := f.store.GetBatchJobs(ctx, batch.ID)
	require.NoError(t, err)

	require.NoError(t, f.orch.PauseBatch(ctx, batch.ID))
	got, err := f.store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchPaused, got.Status)
	for _, m := range members {
		job, err := f.store.GetJob(ctx, m.JobID)
		require.NoError(t, err)
		assert.Equal(t, core.StatePaused, job.CurrentState)
	}

	require.NoError(t, f.orch.ResumeBatch(ctx, batch.ID))
	got, err = f.store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchProcessing, got.Status)
	for _, m := range members {
		job, err := f.store.GetJob(ctx, m.JobID)
		require.NoError(t, err)
		assert.Equal(t, core.StatePreprocessing, job.CurrentState, "resume restarts from preprocessing")
	}
}

func TestPauseBatch_SkipsIneligibleMembers(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	batch := createPendingBatch(t, f, 2, manualPolicy())

	members, err := f.store.GetBatchJobs(ctx, batch.ID)
	require.NoError(t, err)

	// Drive one member to FAILED, which is not pausable.
	_, err = f.exec.Transition(ctx, members[0].JobID, core.EventPreprocess, nil)
	require.NoError(t, err)
	_, err = f.exec.Transition(ctx, members[0].JobID, core.EventError, nil)
	require.NoError(t, err)

	require.NoError(t, f.orch.PauseBatch(ctx, batch.ID))

	failed, err := f.store.GetJob(ctx, members[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, failed.CurrentState, "failed member stays failed")

	other, err := f.store.GetJob(ctx, members[1].JobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePaused, other.CurrentState)
}

func TestResumeBatch_OnlyWhenPaused(t *testing.T) {
	f := newBatchFixture(t)
	batch := createPendingBatch(t, f, 1, manualPolicy())

	err := f.orch.ResumeBatch(context.Background(), batch.ID)
	assert.Error(t, err)
}

func TestRetryFailedBatch_RetriesOnlyFailedMembers(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	batch := createPendingBatch(t, f, 2, manualPolicy())

	members, err := f.store.GetBatchJobs(ctx, batch.ID)
	require.NoError(t, err)

	_, err = f.exec.Transition(ctx, members[0].JobID, core.EventPreprocess, nil)
	require.NoError(t, err)
	_, err = f.exec.Transition(ctx, members[0].JobID, core.EventError, map[string]any{"error": "boom"})
	require.NoError(t, err)

	require.NoError(t, f.orch.RetryFailedBatch(ctx, batch.ID))

	retried, err := f.store.GetJob(ctx, members[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, core.StateRetrying, retried.CurrentState)
	assert.Equal(t, 1, retried.RetryCount)

	untouched, err := f.store.GetJob(ctx, members[1].JobID)
	require.NoError(t, err)
	assert.Equal(t, core.StateUploadReceived, untouched.CurrentState)
}

func TestCancelBatch_OnlyUnstartedMembersCancelled(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	batch := createPendingBatch(t, f, 2, manualPolicy())

	members, err := f.store.GetBatchJobs(ctx, batch.ID)
	require.NoError(t, err)

	// One member already started processing.
	_, err = f.exec.Transition(ctx, members[0].JobID, core.EventPreprocess, nil)
	require.NoError(t, err)

	require.NoError(t, f.orch.CancelBatch(ctx, batch.ID))

	got, err := f.store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BatchCancelled, got.Status)

	inFlight, err := f.store.GetJob(ctx, members[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePreprocessing, inFlight.CurrentState, "in-flight members run to completion")

	unstarted, err := f.store.GetJob(ctx, members[1].JobID)
	require.NoError(t, err)
	assert.Equal(t, core.StateCancelled, unstarted.CurrentState)
}

func TestCancelBatch_SuspendedAndFailedMembersCancelled(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	batch := createPendingBatch(t, f, 3, manualPolicy())

	members, err := f.store.GetBatchJobs(ctx, batch.ID)
	require.NoError(t, err)

	// Member 0 is mid-stage; member 1 sits at a review gate; member 2 failed.
	_, err = f.exec.Transition(ctx, members[0].JobID, core.EventPreprocess, nil)
	require.NoError(t, err)
	for _, ev := range []core.EventName{
		core.EventPreprocess, core.EventAnalyze, core.EventValidate,
		core.EventClassify, core.EventReviewIssues,
	} {
		_, err = f.exec.Transition(ctx, members[1].JobID, ev, nil)
		require.NoError(t, err)
	}
	_, err = f.exec.Transition(ctx, members[2].JobID, core.EventError, nil)
	require.NoError(t, err)

	require.NoError(t, f.orch.CancelBatch(ctx, batch.ID))

	inFlight, err := f.store.GetJob(ctx, members[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePreprocessing, inFlight.CurrentState, "mid-stage members run to their next stop")

	suspended, err := f.store.GetJob(ctx, members[1].JobID)
	require.NoError(t, err)
	assert.Equal(t, core.StateCancelled, suspended.CurrentState, "gate-suspended members are not in flight")

	failed, err := f.store.GetJob(ctx, members[2].JobID)
	require.NoError(t, err)
	assert.Equal(t, core.StateCancelled, failed.CurrentState)
}

func TestCancelBatch_NotCancellableWhenDone(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	f.orch.runner = driveToCompleted(f)
	batch := createPendingBatch(t, f, 1, manualPolicy())
	require.NoError(t, f.orch.ProcessBatch(ctx, batch.ID))

	err := f.orch.CancelBatch(ctx, batch.ID)
	assert.ErrorIs(t, err, core.ErrBatchNotCancellable)
}

func TestRetryJob_RecountsBatch(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	batch := createPendingBatch(t, f, 1, manualPolicy())

	members, err := f.store.GetBatchJobs(ctx, batch.ID)
	require.NoError(t, err)
	jobID := members[0].JobID

	_, err = f.exec.Transition(ctx, jobID, core.EventPreprocess, nil)
	require.NoError(t, err)
	_, err = f.exec.Transition(ctx, jobID, core.EventError, map[string]any{"error": "boom"})
	require.NoError(t, err)
	_, err = f.store.RecalculateBatchCounters(ctx, batch.ID)
	require.NoError(t, err)

	require.NoError(t, f.orch.RetryJob(ctx, batch.ID, jobID))

	got, err := f.store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailedJobs, "a retried member no longer counts as failed")
}

func TestGetDashboard(t *testing.T) {
	ctx := context.Background()
	f := newBatchFixture(t)
	batch := createPendingBatch(t, f, 3, manualPolicy())

	members, err := f.store.GetBatchJobs(ctx, batch.ID)
	require.NoError(t, err)
	_, err = f.exec.Transition(ctx, members[0].JobID, core.EventPreprocess, nil)
	require.NoError(t, err)

	dash, err := f.orch.GetDashboard(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.ID, dash.Batch.ID)
	assert.Equal(t, 2, dash.PerStateCounts[core.StateUploadReceived])
	assert.Equal(t, 1, dash.PerStateCounts[core.StatePreprocessing])

	_, err = f.orch.GetDashboard(ctx, "nonexistent")
	assert.ErrorIs(t, err, core.ErrBatchNotFound)
}
