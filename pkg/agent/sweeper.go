package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/docflow-io/docflow/pkg/core"
	"github.com/docflow-io/docflow/pkg/machine"
	"github.com/docflow-io/docflow/pkg/schedule"
)

// DefaultStaleness is how long a job may sit in an automated state before the
// sweeper considers it stuck. Deliberately conservative so merely-slow jobs
// are not duplicated.
const DefaultStaleness = 5 * time.Minute

// DefaultSweepInterval is the rescan cadence.
const DefaultSweepInterval = 5 * time.Minute

// RecoverySweeper rescans for jobs stranded in an automated state past the
// staleness threshold and re-dispatches them. It is the sole compensation for
// in-memory timers and in-flight stage work being lost on crash or restart.
type RecoverySweeper struct {
	store     core.Storage
	executor  *machine.Executor
	agent     *StageAgent
	sched     schedule.Schedule
	staleness time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// SweeperOption modifies a RecoverySweeper.
type SweeperOption func(*RecoverySweeper)

// WithSweepSchedule replaces the rescan schedule (default Every(5m)).
func WithSweepSchedule(s schedule.Schedule) SweeperOption {
	return func(r *RecoverySweeper) { r.sched = s }
}

// WithStaleness replaces the staleness threshold.
func WithStaleness(d time.Duration) SweeperOption {
	return func(r *RecoverySweeper) { r.staleness = d }
}

// WithSweeperLogger sets the sweeper's logger.
func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(r *RecoverySweeper) { r.logger = l }
}

// WithSweeperClock replaces the time source (tests).
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(r *RecoverySweeper) { r.now = now }
}

// NewRecoverySweeper creates a sweeper over the given store, executor and agent.
func NewRecoverySweeper(store core.Storage, executor *machine.Executor, agent *StageAgent, opts ...SweeperOption) *RecoverySweeper {
	r := &RecoverySweeper{
		store:     store,
		executor:  executor,
		agent:     agent,
		sched:     schedule.Every(DefaultSweepInterval),
		staleness: DefaultStaleness,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start sweeps once immediately, then on every schedule activation, until the
// context is cancelled.
func (r *RecoverySweeper) Start(ctx context.Context) error {
	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Error("initial recovery sweep failed", "error", err)
	}

	for {
		next := r.sched.Next(r.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("recovery sweep failed", "error", err)
			}
		}
	}
}

// Sweep re-dispatches every job stuck in an automated state since before the
// staleness cutoff. It returns how many jobs were re-dispatched.
func (r *RecoverySweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleness)
	stale, err := r.store.ListStaleJobs(ctx, core.AutomatedStates, cutoff)
	if err != nil {
		return 0, err
	}

	redispatched := 0
	for _, job := range stale {
		if err := r.redispatch(ctx, job); err != nil {
			r.logger.Error("re-dispatch stuck job failed", "job", job.ID, "state", string(job.CurrentState), "error", err)
			continue
		}
		redispatched++
		r.logger.Info("re-dispatched stuck job", "job", job.ID, "state", string(job.CurrentState))
	}
	return redispatched, nil
}

func (r *RecoverySweeper) redispatch(ctx context.Context, job *core.JobInstance) error {
	// PREPROCESSING is the REPROCESS target itself, so a job stuck there is
	// re-dispatched by handing it straight back to the agent.
	if job.CurrentState == core.StatePreprocessing {
		return r.agent.Dispatch(ctx, job.ID)
	}

	_, err := r.executor.Transition(ctx, job.ID, core.EventReprocess, nil)
	if err != nil && errors.Is(err, core.ErrInvalidTransition) {
		// The job moved between the query and the transition; it is no
		// longer stuck.
		return nil
	}
	return err
}
