// Package events provides the typed event hub the core uses for side-effect
// notifications (cache hits, claims, sync outcomes, errors). Consumers
// subscribe a channel; publishing never blocks; slow subscribers drop events
// rather than stalling the publisher.
package events

import (
	"sync"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	CacheHit         Type = "cache_hit"
	CacheMiss        Type = "cache_miss"
	TaskClaimed      Type = "task_claimed"
	ClaimRejected    Type = "claim_rejected"
	TaskReleased     Type = "task_released"
	ProgressReported Type = "progress_reported"
	TaskCompleted    Type = "task_completed"
	ReviewRequested  Type = "review_requested"
	EpicCreated      Type = "epic_created"
	EpicClosed       Type = "epic_closed"
	EpicSynced       Type = "epic_synced"
	SyncConflict     Type = "sync_conflict"
	OperationError   Type = "operation_error"
)

// Event is one notification. Detail carries event-specific values (e.g. a
// score breakdown on claim_rejected).
type Event struct {
	Type      Type           `json:"type"`
	EpicID    string         `json:"epic_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Hub fans events out to subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	now  func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{}), now: time.Now}
}

// Subscribe registers a buffered channel receiving all future events.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 256)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel. Safe to call twice.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish delivers an event to every subscriber without blocking. A nil hub
// is a valid no-op sink, so components can treat the hub as optional.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Drop if subscriber is too slow; prevents global backpressure.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
