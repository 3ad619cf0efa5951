package hitl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow-io/docflow/pkg/config"
	"github.com/docflow-io/docflow/pkg/core"
	"github.com/docflow-io/docflow/pkg/machine"
	"github.com/docflow-io/docflow/pkg/notify"
)

type hitlFixture struct {
	store  core.Storage
	orch   *Orchestrator
	gates  *GateManager
	timers *TimeoutScheduler
	exec   *machine.Executor
	bus    *notify.Bus
}

// newHitlFixture wires a full HITL stack over in-memory sqlite. Every gate's
// review deadline is set to timeout so tests can exercise timer behavior
// without waiting for the production defaults.
func newHitlFixture(t *testing.T, timeout time.Duration) *hitlFixture {
	t.Helper()
	store := newTestStore(t)
	bus := notify.NewBus()

	defaults := config.Defaults()
	for _, g := range core.AllGates {
		defaults.GateTimeouts[g] = timeout
	}
	resolver := config.NewResolver(store, config.WithDefaults(defaults))

	gates := NewGateManager(store, nil)
	timers := NewTimeoutScheduler()
	return &hitlFixture{
		store:  store,
		orch:   NewOrchestrator(store, gates, timers, resolver, bus, nil),
		gates:  gates,
		timers: timers,
		exec:   machine.NewExecutor(store, bus),
		bus:    bus,
	}
}

func (f *hitlFixture) createJob(t *testing.T, state core.State) *core.JobInstance {
	t.Helper()
	job := &core.JobInstance{
		TenantID:     "acme",
		SubjectID:    "doc-1",
		CurrentState: state,
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func TestSuspendAtGate_ArmsTimerAndEmits(t *testing.T) {
	ctx := context.Background()
	f := newHitlFixture(t, time.Hour)
	job := f.createJob(t, core.StateAwaitingReview1)

	ch := f.bus.Subscribe()
	defer f.bus.Unsubscribe(ch)

	err := f.orch.SuspendAtGate(ctx, job.ID, core.GateIssueReview, reviewItems("a", "b"), f.exec.Bind(job.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, f.timers.Pending())

	select {
	case n := <-ch:
		opened, ok := n.(*core.GateOpened)
		require.True(t, ok, "expected GateOpened, got %T", n)
		assert.Equal(t, core.GateIssueReview, opened.Gate)
		assert.Equal(t, 2, opened.ItemCount)
		require.NotNil(t, opened.Deadline)
		assert.WithinDuration(t, time.Now().Add(time.Hour), *opened.Deadline, time.Minute)
	default:
		t.Fatal("no GateOpened notification")
	}
}

func TestSuspendAtGate_NoTimeoutArmsNoTimer(t *testing.T) {
	ctx := context.Background()
	f := newHitlFixture(t, config.NoTimeout)
	job := f.createJob(t, core.StateAwaitingReview1)

	ch := f.bus.Subscribe()
	defer f.bus.Unsubscribe(ch)

	err := f.orch.SuspendAtGate(ctx, job.ID, core.GateIssueReview, reviewItems("a"), f.exec.Bind(job.ID))
	require.NoError(t, err)
	assert.Equal(t, 0, f.timers.Pending(), "no-timeout gate waits for a human indefinitely")

	n := <-ch
	opened := n.(*core.GateOpened)
	assert.Nil(t, opened.Deadline)
}

func TestSuspendAtGate_UnknownJob(t *testing.T) {
	f := newHitlFixture(t, time.Hour)

	err := f.orch.SuspendAtGate(context.Background(), "nonexistent", core.GateIssueReview, nil, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSubmitDecisions_PartialLeavesGateOpen(t *testing.T) {
	ctx := context.Background()
	f := newHitlFixture(t, time.Hour)
	job := f.createJob(t, core.StateAwaitingReview1)
	fire := f.exec.Bind(job.ID)

	require.NoError(t, f.orch.SuspendAtGate(ctx, job.ID, core.GateIssueReview, reviewItems("a", "b"), fire))

	complete, err := f.orch.SubmitDecisions(ctx, job.ID, core.GateIssueReview, []DecisionInput{
		{ItemID: "a", Decision: core.DecisionAccept},
	}, "rev-1", fire)
	require.NoError(t, err)
	assert.False(t, complete)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateAwaitingReview1, got.CurrentState, "partial review must not move the job")
	assert.Equal(t, 1, f.timers.Pending(), "timer stays armed until the gate completes")
}

func TestSubmitDecisions_AllAcceptedFiresApproveEvent(t *testing.T) {
	ctx := context.Background()
	f := newHitlFixture(t, time.Hour)
	job := f.createJob(t, core.StateAwaitingReview1)
	fire := f.exec.Bind(job.ID)

	require.NoError(t, f.orch.SuspendAtGate(ctx, job.ID, core.GateIssueReview, reviewItems("a", "b"), fire))

	complete, err := f.orch.SubmitDecisions(ctx, job.ID, core.GateIssueReview, []DecisionInput{
		{ItemID: "a", Decision: core.DecisionAccept},
		{ItemID: "b", Decision: core.DecisionModify, ModifiedValue: "fixed"},
	}, "rev-1", fire)
	require.NoError(t, err)
	assert.True(t, complete)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateAutoRemediation, got.CurrentState)
	assert.Equal(t, 0, f.timers.Pending(), "completing the gate cancels its timer")

	events, err := f.store.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1, "follow-up fires exactly once")
	assert.Equal(t, core.EventRemediate, events[0].EventName)
}

func TestSubmitDecisions_AnyRejectFiresReworkEvent(t *testing.T) {
	ctx := context.Background()
	f := newHitlFixture(t, time.Hour)
	job := f.createJob(t, core.StateAwaitingReview1)
	fire := f.exec.Bind(job.ID)

	require.NoError(t, f.orch.SuspendAtGate(ctx, job.ID, core.GateIssueReview, reviewItems("a", "b"), fire))

	complete, err := f.orch.SubmitDecisions(ctx, job.ID, core.GateIssueReview, []DecisionInput{
		{ItemID: "a", Decision: core.DecisionAccept},
		{ItemID: "b", Decision: core.DecisionReject, Justification: "wrong extraction"},
	}, "rev-1", fire)
	require.NoError(t, err)
	assert.True(t, complete)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateStage3Running, got.CurrentState, "a single REJECT routes to rework")
	assert.Equal(t, 1, got.LoopCount)
}

func TestSubmitDecisions_UnknownGate(t *testing.T) {
	f := newHitlFixture(t, time.Hour)

	_, err := f.orch.SubmitDecisions(context.Background(), "job-1", core.Gate("NOT_A_GATE"), nil, "rev-1", nil)
	assert.ErrorIs(t, err, core.ErrUnknownGate)
}

func TestSubmitDecisions_GateNeverOpened(t *testing.T) {
	ctx := context.Background()
	f := newHitlFixture(t, time.Hour)
	job := f.createJob(t, core.StateAwaitingReview1)
	fire := f.exec.Bind(job.ID)

	// Without pending items a submission must fail loudly instead of
	// completing vacuously and firing the approve follow-up.
	_, err := f.orch.SubmitDecisions(ctx, job.ID, core.GateIssueReview, nil, "rev-1", fire)
	assert.ErrorIs(t, err, core.ErrGateNotOpen)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateAwaitingReview1, got.CurrentState)
}

func TestSubmitDecisions_RejectSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := newHitlFixture(t, config.NoTimeout)
	job := f.createJob(t, core.StateAwaitingReview1)
	fire := f.exec.Bind(job.ID)

	require.NoError(t, f.orch.SuspendAtGate(ctx, job.ID, core.GateIssueReview, reviewItems("a", "b"), fire))
	_, err := f.orch.SubmitDecisions(ctx, job.ID, core.GateIssueReview, []DecisionInput{
		{ItemID: "a", Decision: core.DecisionReject},
	}, "rev-1", fire)
	require.NoError(t, err)

	// A fresh HITL stack over the same store simulates a process restart
	// mid-review. Completing the gate must still route to the rework event
	// because the durable trail carries the rejection.
	restarted := NewOrchestrator(f.store, NewGateManager(f.store, nil), NewTimeoutScheduler(), config.NewResolver(f.store), f.bus, nil)
	complete, err := restarted.SubmitDecisions(ctx, job.ID, core.GateIssueReview, []DecisionInput{
		{ItemID: "b", Decision: core.DecisionAccept},
	}, "rev-2", fire)
	require.NoError(t, err)
	assert.True(t, complete)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateStage3Running, got.CurrentState, "rework event applies after the restart")
	assert.Equal(t, 1, got.LoopCount)
}

func TestTimeout_DrivesJobToHITLTimeout(t *testing.T) {
	ctx := context.Background()
	f := newHitlFixture(t, 15*time.Millisecond)
	job := f.createJob(t, core.StateAwaitingReview1)
	fire := f.exec.Bind(job.ID)

	require.NoError(t, f.orch.SuspendAtGate(ctx, job.ID, core.GateIssueReview, reviewItems("a"), fire))

	require.Eventually(t, func() bool {
		got, err := f.store.GetJob(ctx, job.ID)
		return err == nil && got.CurrentState == core.StateHITLTimeout
	}, time.Second, 5*time.Millisecond)

	rows, err := f.store.GetGateItems(ctx, job.ID, core.GateIssueReview)
	require.NoError(t, err)
	assert.Empty(t, rows, "timed-out gate is cleared")
}

func TestTimeout_CancelledByCompletion(t *testing.T) {
	ctx := context.Background()
	f := newHitlFixture(t, 30*time.Millisecond)
	job := f.createJob(t, core.StateAwaitingReview1)
	fire := f.exec.Bind(job.ID)

	require.NoError(t, f.orch.SuspendAtGate(ctx, job.ID, core.GateIssueReview, reviewItems("a"), fire))

	complete, err := f.orch.SubmitDecisions(ctx, job.ID, core.GateIssueReview, []DecisionInput{
		{ItemID: "a", Decision: core.DecisionAccept},
	}, "rev-1", fire)
	require.NoError(t, err)
	require.True(t, complete)

	time.Sleep(80 * time.Millisecond)
	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateAutoRemediation, got.CurrentState, "cancelled timer must not fire later")
}

func TestForceCompleteGate_OnlyFinalReview(t *testing.T) {
	f := newHitlFixture(t, time.Hour)

	err := f.orch.ForceCompleteGate(context.Background(), "job-1", core.GateIssueReview, "admin-1", nil)
	assert.ErrorIs(t, err, core.ErrForceCompleteDenied)
}

func TestForceCompleteGate_RequiresOpenGate(t *testing.T) {
	f := newHitlFixture(t, time.Hour)

	err := f.orch.ForceCompleteGate(context.Background(), "job-1", core.GateFinalReview, "admin-1", nil)
	assert.ErrorIs(t, err, core.ErrGateNotOpen)
}

func TestForceCompleteGate_AcceptsEverythingAndCompletes(t *testing.T) {
	ctx := context.Background()
	f := newHitlFixture(t, time.Hour)
	job := f.createJob(t, core.StateAwaitingReview4)
	fire := f.exec.Bind(job.ID)

	require.NoError(t, f.orch.SuspendAtGate(ctx, job.ID, core.GateFinalReview, reviewItems("a", "b"), fire))

	require.NoError(t, f.orch.ForceCompleteGate(ctx, job.ID, core.GateFinalReview, "admin-1", fire))

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, got.CurrentState)

	decisions, err := f.store.GetDecisions(ctx, job.ID, core.GateFinalReview)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	for _, d := range decisions {
		assert.Equal(t, core.DecisionAccept, d.Decision)
		assert.Equal(t, "admin-1", d.ReviewerID)
		assert.NotEmpty(t, d.Justification)
	}
}
