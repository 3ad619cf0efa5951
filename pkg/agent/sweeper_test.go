package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow-io/docflow/pkg/core"
	"github.com/docflow-io/docflow/pkg/schedule"
)

func (f *agentFixture) createStuckJob(t *testing.T, state core.State, age time.Duration) *core.JobInstance {
	t.Helper()
	job := &core.JobInstance{
		TenantID:     "acme",
		SubjectID:    "doc-1",
		CurrentState: state,
		StartedAt:    time.Now().Add(-age),
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func TestSweep_RedispatchesStaleJobs(t *testing.T) {
	ctx := context.Background()
	f := newAgentFixture(t)
	sweeper := NewRecoverySweeper(f.store, f.exec, f.agent)

	stuck := f.createStuckJob(t, core.StateStage1Running, 10*time.Minute)

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetJob(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePreprocessing, got.CurrentState, "stuck jobs restart from preprocessing")

	events, err := f.store.ListEvents(ctx, stuck.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventReprocess, events[0].EventName)
}

func TestSweep_LeavesFreshJobsAlone(t *testing.T) {
	ctx := context.Background()
	f := newAgentFixture(t)
	sweeper := NewRecoverySweeper(f.store, f.exec, f.agent)

	fresh := f.createStuckJob(t, core.StateStage1Running, time.Minute)

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := f.store.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateStage1Running, got.CurrentState, "a merely-slow job must not be duplicated")
}

func TestSweep_IgnoresGatedAndTerminalJobs(t *testing.T) {
	ctx := context.Background()
	f := newAgentFixture(t)
	sweeper := NewRecoverySweeper(f.store, f.exec, f.agent)

	f.createStuckJob(t, core.StateAwaitingReview1, time.Hour)
	f.createStuckJob(t, core.StateCompleted, time.Hour)
	f.createStuckJob(t, core.StateFailed, time.Hour)

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "only automated states are swept")
}

func TestSweep_PreprocessingRedispatchesThroughAgent(t *testing.T) {
	ctx := context.Background()
	f := newAgentFixture(t)
	sweeper := NewRecoverySweeper(f.store, f.exec, f.agent)

	// PREPROCESSING is the REPROCESS target itself; the sweeper hands the job
	// straight back to the agent instead of firing an event.
	stuck := f.createStuckJob(t, core.StatePreprocessing, 10*time.Minute)

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetJob(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateStage1Running, got.CurrentState)
}

func TestSweep_CustomStaleness(t *testing.T) {
	ctx := context.Background()
	f := newAgentFixture(t)
	sweeper := NewRecoverySweeper(f.store, f.exec, f.agent, WithStaleness(30*time.Second))

	f.createStuckJob(t, core.StateStage1Running, time.Minute)

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStart_SweepsOnSchedule(t *testing.T) {
	f := newAgentFixture(t)
	sweeper := NewRecoverySweeper(f.store, f.exec, f.agent,
		WithSweepSchedule(schedule.Every(20*time.Millisecond)),
		WithStaleness(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sweeper.Start(ctx) }()

	// Created after the immediate initial sweep; only a scheduled rescan can
	// pick it up.
	time.Sleep(10 * time.Millisecond)
	stuck := f.createStuckJob(t, core.StateStage1Running, time.Minute)

	require.Eventually(t, func() bool {
		got, err := f.store.GetJob(context.Background(), stuck.ID)
		return err == nil && got.CurrentState == core.StatePreprocessing
	}, 2*time.Second, 10*time.Millisecond)
}
