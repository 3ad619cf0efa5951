// Package docflow provides a durable document-workflow orchestrator: a
// persisted state machine with human review gates, review timeouts, batch
// processing and stuck-job recovery.
//
// This is the main package users should import. It re-exports the public
// types from the internal pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Create storage and the engine
//	db, _ := gorm.Open(sqlite.Open("docflow.db"), &gorm.Config{})
//	store := docflow.NewGormStorage(db)
//	store.Migrate(context.Background())
//	engine := docflow.New(store)
//
//	// Register stage collaborators
//	engine.RegisterStage(docflow.StatePreprocessing, normalizeDocument)
//
//	// Submit a job and run the engine
//	job, _ := engine.SubmitJob(ctx, "tenant-a", "doc-1")
//	engine.Start(ctx)
package docflow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/docflow-io/docflow/pkg/agent"
	"github.com/docflow-io/docflow/pkg/batch"
	"github.com/docflow-io/docflow/pkg/config"
	"github.com/docflow-io/docflow/pkg/core"
	"github.com/docflow-io/docflow/pkg/hitl"
	"github.com/docflow-io/docflow/pkg/machine"
	"github.com/docflow-io/docflow/pkg/notify"
	"github.com/docflow-io/docflow/pkg/security"
)

// Type aliases re-exported from pkg/core and friends.
type (
	// State is the current position of a job in the pipeline.
	State = core.State

	// EventName identifies a transition in the state machine.
	EventName = core.EventName

	// Gate names a human review point in the pipeline.
	Gate = core.Gate

	// Decision is a reviewer's resolution of a single gate item.
	Decision = core.Decision

	// JobInstance represents one document moving through the pipeline.
	JobInstance = core.JobInstance

	// TransitionEvent is the immutable audit record of one transition.
	TransitionEvent = core.TransitionEvent

	// GateItem is one unit awaiting human judgement at a gate.
	GateItem = core.GateItem

	// GateDecision is a reviewer's persisted resolution of one GateItem.
	GateDecision = core.GateDecision

	// BatchInstance groups jobs submitted together.
	BatchInstance = core.BatchInstance

	// AutoApprovalPolicy controls which gates a batch auto-accepts.
	AutoApprovalPolicy = core.AutoApprovalPolicy

	// Storage defines the persistence layer.
	Storage = core.Storage

	// Notification is the interface for broadcast events.
	Notification = core.Notification

	// StateChanged is emitted after every persisted transition.
	StateChanged = core.StateChanged

	// GateOpened is emitted when a review gate opens for a job.
	GateOpened = core.GateOpened

	// StageProgress reports partial review progress mid-gate.
	StageProgress = core.StageProgress

	// JobErrored is emitted when stage processing fails.
	JobErrored = core.JobErrored

	// BatchProgress is emitted as member jobs of a batch change state.
	BatchProgress = core.BatchProgress

	// StageFunc is an external stage collaborator.
	StageFunc = agent.StageFunc

	// DecisionInput is one reviewer decision in a submission batch.
	DecisionInput = hitl.DecisionInput

	// EffectiveConfig is the merged workflow configuration for one tenant.
	EffectiveConfig = config.EffectiveConfig

	// BatchCreateOptions configures a new batch.
	BatchCreateOptions = batch.CreateOptions

	// BatchDispatcher hands member jobs to an external queue.
	BatchDispatcher = batch.Dispatcher
)

// Engine wires the orchestrator together: one storage-backed executor, the
// HITL layer, the stage agent, the recovery sweeper and the batch
// orchestrator sharing a notification bus.
type Engine struct {
	store    core.Storage
	bus      *notify.Bus
	executor *machine.Executor
	gates    *hitl.GateManager
	timers   *hitl.TimeoutScheduler
	resolver *config.Resolver
	hitl     *hitl.Orchestrator
	agent    *agent.StageAgent
	sweeper  *agent.RecoverySweeper
	batches  *batch.Orchestrator
	logger   *slog.Logger
}

// EngineOption modifies Engine construction.
type EngineOption func(*engineOptions)

type engineOptions struct {
	logger     *slog.Logger
	defaults   *config.EffectiveConfig
	dispatcher batch.Dispatcher
	sweeperOps []agent.SweeperOption
}

// WithEngineLogger sets the logger shared by all components.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(o *engineOptions) { o.logger = l }
}

// WithConfigDefaults replaces the built-in configuration defaults, e.g. with
// values from config.LoadDefaults.
func WithConfigDefaults(d config.EffectiveConfig) EngineOption {
	return func(o *engineOptions) { o.defaults = &d }
}

// WithBatchDispatcher installs an external concurrency-limited queue for
// batch processing.
func WithBatchDispatcher(d batch.Dispatcher) EngineOption {
	return func(o *engineOptions) { o.dispatcher = d }
}

// WithSweeperOptions forwards options to the recovery sweeper.
func WithSweeperOptions(opts ...agent.SweeperOption) EngineOption {
	return func(o *engineOptions) { o.sweeperOps = append(o.sweeperOps, opts...) }
}

// New creates an Engine over the given storage backend.
func New(store core.Storage, opts ...EngineOption) *Engine {
	options := engineOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger

	bus := notify.NewBus()
	executor := machine.NewExecutor(store, bus, machine.WithLogger(logger))

	resolverOpts := []config.ResolverOption{config.WithLogger(logger)}
	if options.defaults != nil {
		resolverOpts = append(resolverOpts, config.WithDefaults(*options.defaults))
	}
	resolver := config.NewResolver(store, resolverOpts...)

	gates := hitl.NewGateManager(store, logger)
	timers := hitl.NewTimeoutScheduler()
	hitlOrch := hitl.NewOrchestrator(store, gates, timers, resolver, bus, logger)

	stageAgent := agent.NewStageAgent(store, executor, bus, agent.WithAgentLogger(logger))
	sweeperOpts := append([]agent.SweeperOption{agent.WithSweeperLogger(logger)}, options.sweeperOps...)
	sweeper := agent.NewRecoverySweeper(store, executor, stageAgent, sweeperOpts...)

	batchOpts := []batch.OrchestratorOption{
		batch.WithLogger(logger),
		batch.WithRunner(func(ctx context.Context, jobID string) error {
			return stageAgent.Dispatch(ctx, jobID)
		}),
	}
	if options.dispatcher != nil {
		batchOpts = append(batchOpts, batch.WithDispatcher(options.dispatcher))
	}
	batches := batch.NewOrchestrator(store, executor, resolver, bus, batchOpts...)

	return &Engine{
		store:    store,
		bus:      bus,
		executor: executor,
		gates:    gates,
		timers:   timers,
		resolver: resolver,
		hitl:     hitlOrch,
		agent:    stageAgent,
		sweeper:  sweeper,
		batches:  batches,
		logger:   logger,
	}
}

// Storage returns the underlying storage.
func (e *Engine) Storage() core.Storage { return e.store }

// Config returns the configuration resolver.
func (e *Engine) Config() *config.Resolver { return e.resolver }

// Batches returns the batch orchestrator.
func (e *Engine) Batches() *batch.Orchestrator { return e.batches }

// Gates returns the gate manager for pending-item queries.
func (e *Engine) Gates() *hitl.GateManager { return e.gates }

// RegisterStage installs the collaborator for one automated state.
func (e *Engine) RegisterStage(state State, fn StageFunc) {
	e.agent.Register(state, fn)
}

// Notifications returns a channel of broadcast events. Callers must
// Unsubscribe when done.
func (e *Engine) Notifications() <-chan Notification {
	return e.bus.Subscribe()
}

// Unsubscribe releases a channel returned by Notifications.
func (e *Engine) Unsubscribe(ch <-chan Notification) {
	e.bus.Unsubscribe(ch)
}

// SubmitJob creates a job in the initial state and hands it to the stage
// agent.
func (e *Engine) SubmitJob(ctx context.Context, tenantID, subjectID string) (*JobInstance, error) {
	if err := security.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if err := security.ValidateSubjectID(subjectID); err != nil {
		return nil, err
	}
	job := &core.JobInstance{
		TenantID:     tenantID,
		SubjectID:    subjectID,
		CurrentState: core.StateUploadReceived,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := e.agent.Dispatch(ctx, job.ID); err != nil {
		e.logger.Error("initial dispatch failed, sweeper will recover", "job", job.ID, "error", err)
	}
	return job, nil
}

// Transition applies one event to a job. See machine.Executor.Transition.
func (e *Engine) Transition(ctx context.Context, jobID string, event EventName, payload map[string]any) (*JobInstance, error) {
	return e.executor.Transition(ctx, jobID, event, payload)
}

// History returns a job's transition audit trail.
func (e *Engine) History(ctx context.Context, jobID string) ([]TransitionEvent, error) {
	return e.store.ListEvents(ctx, jobID)
}

// SuspendAtGate opens a review gate for the job and arms its timeout.
func (e *Engine) SuspendAtGate(ctx context.Context, jobID string, gate Gate, items []GateItem) error {
	return e.hitl.SuspendAtGate(ctx, jobID, gate, items, e.executor.Bind(jobID))
}

// SubmitDecisions records reviewer decisions; reports whether the gate is now
// complete.
func (e *Engine) SubmitDecisions(ctx context.Context, jobID string, gate Gate, decisions []DecisionInput, reviewerID string) (bool, error) {
	return e.hitl.SubmitDecisions(ctx, jobID, gate, decisions, reviewerID, e.executor.Bind(jobID))
}

// ForceCompleteGate auto-accepts all remaining items of the final review
// gate. Rejected for any other gate.
func (e *Engine) ForceCompleteGate(ctx context.Context, jobID string, gate Gate, adminID string) error {
	return e.hitl.ForceCompleteGate(ctx, jobID, gate, adminID, e.executor.Bind(jobID))
}

// Start runs the stage agent and the recovery sweeper until ctx is
// cancelled.
func (e *Engine) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := e.agent.Start(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("stage agent stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := e.sweeper.Start(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("recovery sweeper stopped", "error", err)
		}
	}()
	wg.Wait()
	return ctx.Err()
}
