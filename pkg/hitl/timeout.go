package hitl

import (
	"log/slog"
	"sync"
	"time"

	"github.com/docflow-io/docflow/pkg/core"
)

type timerKey struct {
	jobID string
	gate  core.Gate
}

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// TimeoutScheduler maintains one in-process timer per (job, gate). Timers do
// not survive a restart; the recovery sweeper compensates for that gap, not
// this component.
type TimeoutScheduler struct {
	mu     sync.Mutex
	timers map[timerKey]*timerEntry
	gen    uint64
	logger *slog.Logger
}

// NewTimeoutScheduler creates an empty scheduler.
func NewTimeoutScheduler() *TimeoutScheduler {
	return &TimeoutScheduler{
		timers: make(map[timerKey]*timerEntry),
		logger: slog.Default(),
	}
}

// ScheduleTimeout arms a timer that runs fn after d. Any existing timer for
// the same (job, gate) is cancelled and replaced, so rescheduling is
// idempotent. A timer cancelled before firing never runs its callback, even
// if it was already queued: the callback re-checks that its generation is
// still the live one.
func (s *TimeoutScheduler) ScheduleTimeout(jobID string, gate core.Gate, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[timerKey{jobID, gate}]; ok {
		existing.timer.Stop()
	}

	s.gen++
	gen := s.gen
	key := timerKey{jobID, gate}

	entry := &timerEntry{gen: gen}
	entry.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		live, ok := s.timers[key]
		if !ok || live.gen != gen {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()

		s.logger.Info("gate review timed out", "job", jobID, "gate", string(gate))
		fn()
	})
	s.timers[key] = entry
}

// CancelTimeout removes the timer for (job, gate). No-op when none exists.
func (s *TimeoutScheduler) CancelTimeout(jobID string, gate core.Gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := timerKey{jobID, gate}
	if entry, ok := s.timers[key]; ok {
		entry.timer.Stop()
		delete(s.timers, key)
	}
}

// CancelAll removes every timer for the job. No-op when none exist.
func (s *TimeoutScheduler) CancelAll(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.timers {
		if key.jobID == jobID {
			entry.timer.Stop()
			delete(s.timers, key)
		}
	}
}

// Pending reports how many timers are currently armed.
func (s *TimeoutScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
