// Package hitl implements the human-in-the-loop layer: pending gate items,
// reviewer decisions, gate completion detection and review timeouts.
package hitl

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docflow-io/docflow/pkg/core"
)

type gateKey struct {
	jobID string
	gate  core.Gate
}

type gateSession struct {
	pending   map[string]core.GateItem // keyed by ItemID
	hasReject bool
}

// GateManager tracks the pending review items per open gate. The in-memory
// sets are a cache over the durable GateItem rows: reads fall back to the
// store after a restart, and no durable invariant depends on the map alone.
type GateManager struct {
	store  core.Storage
	logger *slog.Logger

	mu    sync.Mutex
	gates map[gateKey]*gateSession
}

// NewGateManager creates a GateManager over the given store.
func NewGateManager(store core.Storage, logger *slog.Logger) *GateManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &GateManager{
		store:  store,
		logger: logger,
		gates:  make(map[gateKey]*gateSession),
	}
}

// OpenGate replaces any existing pending set for (job, gate) with items, both
// durably and in memory. Reopening silently discards undecided prior items;
// a gate can be fully refreshed after a rejection loop.
func (m *GateManager) OpenGate(ctx context.Context, jobID string, gate core.Gate, items []core.GateItem) error {
	if !core.ValidGate(gate) {
		return core.ErrUnknownGate
	}

	rows := make([]core.GateItem, len(items))
	for i, item := range items {
		item.ID = uuid.New().String()
		item.JobID = jobID
		item.Gate = gate
		rows[i] = item
	}
	if err := m.store.ReplaceGateItems(ctx, jobID, gate, rows); err != nil {
		return err
	}

	session := &gateSession{pending: make(map[string]core.GateItem, len(rows))}
	for _, item := range rows {
		session.pending[item.ItemID] = item
	}

	m.mu.Lock()
	m.gates[gateKey{jobID, gate}] = session
	m.mu.Unlock()

	m.logger.Info("gate opened", "job", jobID, "gate", string(gate), "items", len(rows))
	return nil
}

// DecisionExtras carries the optional fields of a reviewer decision.
type DecisionExtras struct {
	ModifiedValue string
	Justification string
}

// RecordDecision persists one GateDecision and removes the item from the
// pending set. core.ErrItemNotFound when itemID is not pending.
func (m *GateManager) RecordDecision(ctx context.Context, jobID string, gate core.Gate, itemID string, decision core.Decision, reviewerID string, extras DecisionExtras) error {
	key := gateKey{jobID, gate}

	m.mu.Lock()
	_, haveSession := m.gates[key]
	m.mu.Unlock()
	if !haveSession {
		// Warm the cache from the durable rows after a restart.
		if _, err := m.GetGateItems(ctx, jobID, gate); err != nil {
			return err
		}
	}

	m.mu.Lock()
	session, haveSession := m.gates[key]
	var original string
	if haveSession {
		item, ok := session.pending[itemID]
		if !ok {
			m.mu.Unlock()
			return core.ErrItemNotFound
		}
		original = item.OriginalValue
	}
	m.mu.Unlock()

	d := &core.GateDecision{
		ID:            uuid.New().String(),
		JobID:         jobID,
		Gate:          gate,
		ItemID:        itemID,
		Decision:      decision,
		OriginalValue: original,
		ModifiedValue: extras.ModifiedValue,
		Justification: extras.Justification,
		ReviewerID:    reviewerID,
		DecidedAt:     time.Now(),
	}
	// The store deletes the item row and inserts the decision atomically, so
	// a decision is persisted exactly once per item even if the in-memory
	// set was lost to a restart.
	if err := m.store.RecordDecision(ctx, d); err != nil {
		return err
	}

	m.mu.Lock()
	if session, ok := m.gates[key]; ok {
		delete(session.pending, itemID)
		if decision == core.DecisionReject {
			session.hasReject = true
		}
	}
	m.mu.Unlock()
	return nil
}

// IsGateComplete reports whether the pending set for (job, gate) is empty. A
// gate never opened in this process is vacuously complete.
func (m *GateManager) IsGateComplete(jobID string, gate core.Gate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.gates[gateKey{jobID, gate}]
	if !ok {
		return true
	}
	return len(session.pending) == 0
}

// SessionHasReject reports whether any decision recorded since the gate was
// last opened was a REJECT. It drives the approve-vs-rework follow-up event.
func (m *GateManager) SessionHasReject(jobID string, gate core.Gate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.gates[gateKey{jobID, gate}]
	return ok && session.hasReject
}

// GateStatus reports total decided (durable) versus currently pending
// (in-memory) counts, for partial-progress reporting mid-review.
func (m *GateManager) GateStatus(ctx context.Context, jobID string, gate core.Gate) (decided int64, pending int, err error) {
	decided, err = m.store.CountDecisions(ctx, jobID, gate)
	if err != nil {
		return 0, 0, err
	}
	m.mu.Lock()
	if session, ok := m.gates[gateKey{jobID, gate}]; ok {
		pending = len(session.pending)
	}
	m.mu.Unlock()
	return decided, pending, nil
}

// GetGateItems returns the pending items, reading through to the store when
// the in-memory set is cold (e.g. after a restart).
func (m *GateManager) GetGateItems(ctx context.Context, jobID string, gate core.Gate) ([]core.GateItem, error) {
	m.mu.Lock()
	session, ok := m.gates[gateKey{jobID, gate}]
	if ok {
		items := make([]core.GateItem, 0, len(session.pending))
		for _, item := range session.pending {
			items = append(items, item)
		}
		m.mu.Unlock()
		return items, nil
	}
	m.mu.Unlock()

	items, err := m.store.GetGateItems(ctx, jobID, gate)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		// Rebuild the cache so subsequent decisions see the pending set. The
		// reject flag is recovered from the durable trail: a decision belongs
		// to the current gate opening when it was made no earlier than the
		// opening's items were created.
		openedAt := items[0].CreatedAt
		for _, item := range items[1:] {
			if item.CreatedAt.Before(openedAt) {
				openedAt = item.CreatedAt
			}
		}
		decisions, err := m.store.GetDecisions(ctx, jobID, gate)
		if err != nil {
			return nil, err
		}

		session := &gateSession{pending: make(map[string]core.GateItem, len(items))}
		for _, item := range items {
			session.pending[item.ItemID] = item
		}
		for _, d := range decisions {
			if d.Decision == core.DecisionReject && !d.DecidedAt.Before(openedAt) {
				session.hasReject = true
				break
			}
		}
		m.mu.Lock()
		m.gates[gateKey{jobID, gate}] = session
		m.mu.Unlock()
	}
	return items, nil
}

// ClearGate drops the in-memory session and any leftover durable items.
func (m *GateManager) ClearGate(ctx context.Context, jobID string, gate core.Gate) error {
	m.mu.Lock()
	delete(m.gates, gateKey{jobID, gate})
	m.mu.Unlock()
	return m.store.ClearGate(ctx, jobID, gate)
}
