// Package agent drives the automated (non-gated) pipeline stages and
// recovers jobs whose in-process work was lost to a crash.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/docflow-io/docflow/pkg/core"
	"github.com/docflow-io/docflow/pkg/machine"
	"github.com/docflow-io/docflow/pkg/notify"
	"github.com/docflow-io/docflow/pkg/security"
)

// StageFunc is an external stage collaborator: it processes a job in one
// automated state and returns output to merge into the job's state data.
type StageFunc func(ctx context.Context, job *core.JobInstance) (map[string]any, error)

// StageAgent consumes state-change notifications and pushes jobs through the
// automated stages. It is a message-passing consumer loop, not a nested
// callback chain, so long transition sequences never grow the call stack.
//
// Gated, terminal and paused states get no action; a collaborator failure is
// converted into an ERROR transition rather than propagated.
type StageAgent struct {
	store    core.Storage
	executor *machine.Executor
	bus      *notify.Bus
	logger   *slog.Logger
	retry    RetryConfig

	mu     sync.RWMutex
	stages map[core.State]StageFunc
}

// AgentOption modifies a StageAgent.
type AgentOption func(*StageAgent)

// WithAgentLogger sets the agent's logger.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(a *StageAgent) { a.logger = l }
}

// WithStorageRetry sets the backoff policy for storage reads.
func WithStorageRetry(cfg RetryConfig) AgentOption {
	return func(a *StageAgent) { a.retry = cfg }
}

// NewStageAgent creates an agent over the given executor and bus.
func NewStageAgent(store core.Storage, executor *machine.Executor, bus *notify.Bus, opts ...AgentOption) *StageAgent {
	a := &StageAgent{
		store:    store,
		executor: executor,
		bus:      bus,
		logger:   slog.Default(),
		retry:    DefaultRetryConfig(),
		stages:   make(map[core.State]StageFunc),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register installs the collaborator for one automated state. States without
// a collaborator still advance; their forward event simply fires with no
// payload.
func (a *StageAgent) Register(state core.State, fn StageFunc) {
	a.mu.Lock()
	a.stages[state] = fn
	a.mu.Unlock()
}

// Start consumes state-change notifications until the context is cancelled.
func (a *StageAgent) Start(ctx context.Context) error {
	ch := a.bus.Subscribe()
	defer a.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-ch:
			sc, ok := n.(*core.StateChanged)
			if !ok {
				continue
			}
			a.process(ctx, sc.JobID, sc.To)
		}
	}
}

// Dispatch runs the stage for the job's current state. Used to kick a newly
// submitted job and by the recovery sweeper to re-dispatch stalled work.
func (a *StageAgent) Dispatch(ctx context.Context, jobID string) error {
	job, err := a.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	a.process(ctx, job.ID, job.CurrentState)
	return nil
}

func (a *StageAgent) process(ctx context.Context, jobID string, state core.State) {
	next, ok := machine.NextAutoEvent(state)
	if !ok {
		// Gate, terminal, paused or failed: nothing to drive.
		return
	}

	job, err := a.getJob(ctx, jobID)
	if err != nil {
		a.logger.Error("load job for stage processing", "job", jobID, "state", string(state), "error", err)
		return
	}
	if job.CurrentState != state {
		// The job moved while the notification sat in the queue.
		a.logger.Debug("skipping stale dispatch", "job", jobID, "state", string(state), "now", string(job.CurrentState))
		return
	}

	a.mu.RLock()
	fn := a.stages[state]
	a.mu.RUnlock()

	var payload map[string]any
	if fn != nil {
		payload, err = fn(ctx, job)
		if err != nil {
			a.fail(ctx, job, core.StageFailure(state, err))
			return
		}
	}

	if _, err := a.executor.Transition(ctx, jobID, next, payload); err != nil {
		if errors.Is(err, core.ErrInvalidTransition) {
			a.logger.Debug("stage advance lost race", "job", jobID, "event", string(next), "error", err)
			return
		}
		a.logger.Error("stage advance failed", "job", jobID, "event", string(next), "error", err)
	}
}

// fail converts a collaborator error into an ERROR transition carrying the
// sanitized failure message.
func (a *StageAgent) fail(ctx context.Context, job *core.JobInstance, stageErr error) {
	msg := security.SanitizeErrorMessage(stageErr.Error())
	a.logger.Error("stage processing failed", "job", job.ID, "state", string(job.CurrentState), "error", msg)

	if _, err := a.executor.Transition(ctx, job.ID, core.EventError, map[string]any{"error": msg}); err != nil {
		a.logger.Error("error transition failed", "job", job.ID, "error", err)
		return
	}

	a.bus.Emit(&core.JobErrored{
		JobID:      job.ID,
		Error:      msg,
		State:      job.CurrentState,
		Retryable:  true,
		RetryCount: job.RetryCount,
		Timestamp:  time.Now(),
	})
}

func (a *StageAgent) getJob(ctx context.Context, jobID string) (*core.JobInstance, error) {
	var job *core.JobInstance
	err := retryWithBackoff(ctx, a.retry, func() error {
		var getErr error
		job, getErr = a.store.GetJob(ctx, jobID)
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}
