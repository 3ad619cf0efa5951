// Package notify provides the best-effort notification bus used to broadcast
// state changes, gate activity and batch progress to external subscribers.
package notify

import (
	"sync"

	"github.com/docflow-io/docflow/pkg/core"
)

const subscriberBuffer = 100

// Bus fans out notifications to subscribers. Delivery is best-effort: a full
// subscriber channel drops the notification rather than blocking the emitter,
// so a slow consumer can never stall or roll back a transition.
type Bus struct {
	mu   sync.RWMutex
	subs []chan core.Notification
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving all future notifications.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (b *Bus) Subscribe() <-chan core.Notification {
	ch := make(chan core.Notification, subscriberBuffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Subscribe.
// The channel is not closed — callers must stop reading before calling
// Unsubscribe. After Unsubscribe returns, no further notifications will be
// sent to the channel.
func (b *Bus) Unsubscribe(ch <-chan core.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers n to all subscribers, dropping it for any whose buffer is full.
func (b *Bus) Emit(n core.Notification) {
	b.mu.RLock()
	// Copy to avoid racing with Subscribe while iterating.
	subs := make([]chan core.Notification, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- n:
		default:
			// Drop if full - this prevents blocking on slow consumers
		}
	}
}
