package hitl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docflow-io/docflow/pkg/config"
	"github.com/docflow-io/docflow/pkg/core"
	"github.com/docflow-io/docflow/pkg/machine"
	"github.com/docflow-io/docflow/pkg/notify"
)

// Orchestrator coordinates gate suspension, reviewer decisions and review
// timeouts on top of the GateManager and TimeoutScheduler.
type Orchestrator struct {
	store    core.Storage
	gates    *GateManager
	timers   *TimeoutScheduler
	resolver *config.Resolver
	bus      *notify.Bus
	logger   *slog.Logger
}

// NewOrchestrator wires the HITL layer together.
func NewOrchestrator(store core.Storage, gates *GateManager, timers *TimeoutScheduler, resolver *config.Resolver, bus *notify.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		gates:    gates,
		timers:   timers,
		resolver: resolver,
		bus:      bus,
		logger:   logger,
	}
}

// SuspendAtGate opens the gate with the given items and arms the tenant's
// review timeout. A resolved timeout of config.NoTimeout arms no timer: the
// gate can then only be closed by a human. The timer, when it fires, drives
// the job to HITL_TIMEOUT through fire.
func (o *Orchestrator) SuspendAtGate(ctx context.Context, jobID string, gate core.Gate, items []core.GateItem, fire machine.TransitionFunc) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if err := o.gates.OpenGate(ctx, jobID, gate, items); err != nil {
		return err
	}

	timeout, err := o.resolver.GetGateTimeout(ctx, job.TenantID, gate)
	if err != nil {
		return err
	}

	var deadline *time.Time
	if timeout != config.NoTimeout {
		d := time.Now().Add(timeout)
		deadline = &d
		o.timers.ScheduleTimeout(jobID, gate, timeout, func() {
			// The timer outlives the suspending call; it runs on its own
			// context.
			tctx := context.Background()
			if _, err := fire(tctx, core.EventTimeout, nil); err != nil {
				o.logger.Error("timeout transition failed", "job", jobID, "gate", string(gate), "error", err)
				return
			}
			if err := o.gates.ClearGate(tctx, jobID, gate); err != nil {
				o.logger.Error("clear gate after timeout failed", "job", jobID, "gate", string(gate), "error", err)
			}
		})
	}

	o.bus.Emit(&core.GateOpened{
		JobID:     jobID,
		Gate:      gate,
		ItemCount: len(items),
		Deadline:  deadline,
		Timestamp: time.Now(),
	})
	return nil
}

// DecisionInput is one reviewer decision in a submission batch.
type DecisionInput struct {
	ItemID        string
	Decision      core.Decision
	ModifiedValue string
	Justification string
}

// SubmitDecisions records each decision, and when the gate thereby completes,
// cancels its timer, fires the follow-up event exactly once and clears the
// gate. Partial batches are legal and simply reduce the pending set; the
// returned bool reports whether the gate is now complete.
//
// The follow-up is the fixed per-gate rule: any REJECT decision since the
// gate opened routes to the rework event, otherwise to the approval event.
// core.ErrGateNotOpen when the gate has no pending items at all, in memory
// or durable.
func (o *Orchestrator) SubmitDecisions(ctx context.Context, jobID string, gate core.Gate, decisions []DecisionInput, reviewerID string, fire machine.TransitionFunc) (bool, error) {
	if !core.ValidGate(gate) {
		return false, core.ErrUnknownGate
	}

	// Reading the items also rebuilds the session from the durable rows
	// after a restart, reject flag included.
	pending, err := o.gates.GetGateItems(ctx, jobID, gate)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, core.ErrGateNotOpen
	}

	for _, d := range decisions {
		err := o.gates.RecordDecision(ctx, jobID, gate, d.ItemID, d.Decision, reviewerID, DecisionExtras{
			ModifiedValue: d.ModifiedValue,
			Justification: d.Justification,
		})
		if err != nil {
			return false, fmt.Errorf("record decision for item %s: %w", d.ItemID, err)
		}
	}

	if !o.gates.IsGateComplete(jobID, gate) {
		decided, pending, err := o.gates.GateStatus(ctx, jobID, gate)
		if err == nil {
			o.bus.Emit(&core.StageProgress{
				JobID:     jobID,
				Done:      int(decided),
				Pending:   pending,
				Total:     int(decided) + pending,
				Timestamp: time.Now(),
			})
		}
		return false, nil
	}

	o.timers.CancelTimeout(jobID, gate)

	event := machine.GateApproveEvent(gate)
	if o.gates.SessionHasReject(jobID, gate) {
		event = machine.GateRejectEvent(gate)
	}
	if _, err := fire(ctx, event, nil); err != nil {
		return true, err
	}
	if err := o.gates.ClearGate(ctx, jobID, gate); err != nil {
		return true, err
	}

	o.logger.Info("gate completed", "job", jobID, "gate", string(gate), "event", string(event))
	return true, nil
}

// ForceCompleteGate auto-accepts every remaining item and closes the gate.
// It is an administrative override restricted to the final review gate;
// any other gate is rejected.
func (o *Orchestrator) ForceCompleteGate(ctx context.Context, jobID string, gate core.Gate, adminID string, fire machine.TransitionFunc) error {
	if gate != core.GateFinalReview {
		return fmt.Errorf("%w: got %s", core.ErrForceCompleteDenied, gate)
	}

	items, err := o.gates.GetGateItems(ctx, jobID, gate)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return core.ErrGateNotOpen
	}
	inputs := make([]DecisionInput, len(items))
	for i, item := range items {
		inputs[i] = DecisionInput{
			ItemID:        item.ItemID,
			Decision:      core.DecisionAccept,
			Justification: "force-completed by administrator",
		}
	}

	if _, err := o.SubmitDecisions(ctx, jobID, gate, inputs, adminID, fire); err != nil {
		return err
	}
	o.logger.Warn("gate force-completed", "job", jobID, "gate", string(gate), "admin", adminID, "items", len(items))
	return nil
}
