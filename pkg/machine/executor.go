package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docflow-io/docflow/pkg/core"
	"github.com/docflow-io/docflow/pkg/notify"
)

// Executor validates, applies and persists transitions. The persisted
// state-plus-event-append is the serialization point for a job: a call that
// observes a stale current state fails instead of clobbering a concurrent
// transition.
type Executor struct {
	store  core.Storage
	bus    *notify.Bus
	logger *slog.Logger
}

// ExecutorOption modifies an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an Executor over the given storage and notification bus.
func NewExecutor(store core.Storage, bus *notify.Bus, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:  store,
		bus:    bus,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transition applies event to the job, merging payload into its state data.
//
// It fails with core.ErrNotFound when the job does not exist and with
// core.ErrInvalidTransition when the table has no entry for the job's current
// state, or when the persisted state moved underneath us. On success exactly
// one TransitionEvent is appended, atomically with the state update, and a
// StateChanged notification is broadcast best-effort.
func (e *Executor) Transition(ctx context.Context, jobID string, event core.EventName, payload map[string]any) (*core.JobInstance, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	from := job.CurrentState
	to, ok := Target(from, event)
	if !ok {
		return nil, &core.InvalidTransitionError{From: from, Event: event}
	}

	now := time.Now()
	job.CurrentState = to
	job.StartedAt = now
	if err := job.MergeData(payload); err != nil {
		return nil, fmt.Errorf("docflow: merge payload: %w", err)
	}
	if to == core.StateCompleted {
		job.CompletedAt = &now
	}
	if IsReworkEvent(event) {
		job.LoopCount++
	}
	switch event {
	case core.EventError:
		if msg, ok := payload["error"].(string); ok {
			job.ErrorMessage = msg
		}
	case core.EventRetry:
		job.RetryCount++
		job.ErrorMessage = ""
	}

	ev := &core.TransitionEvent{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		EventName: event,
		FromState: from,
		ToState:   to,
		Timestamp: now,
	}
	if len(payload) > 0 {
		if ev.Payload, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("docflow: marshal payload: %w", err)
		}
	}

	if err := e.store.ApplyTransition(ctx, job, from, ev); err != nil {
		if errors.Is(err, core.ErrTransitionConflict) {
			return nil, fmt.Errorf("%w: %w (job %s left %s mid-call)",
				core.ErrInvalidTransition, core.ErrTransitionConflict, job.ID, from)
		}
		return nil, err
	}

	e.logger.Debug("transition applied",
		"job", job.ID, "event", string(event), "from", string(from), "to", string(to))

	// Best-effort broadcast; subscribers can never fail or roll back the
	// transition.
	e.bus.Emit(&core.StateChanged{
		JobID:     job.ID,
		From:      from,
		To:        to,
		Event:     event,
		Phase:     core.Phase(to),
		Timestamp: now,
	})

	return job, nil
}

// TransitionFunc adapts the executor to callers that only need to fire events
// for a fixed job (gate orchestration, timers).
type TransitionFunc func(ctx context.Context, event core.EventName, payload map[string]any) (*core.JobInstance, error)

// Bind returns a TransitionFunc fixed to jobID.
func (e *Executor) Bind(jobID string) TransitionFunc {
	return func(ctx context.Context, event core.EventName, payload map[string]any) (*core.JobInstance, error) {
		return e.Transition(ctx, jobID, event, payload)
	}
}
