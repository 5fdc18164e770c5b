package events

import (
	"sync"
	"time"
)

// Event types emitted by the engine. Every durable state transition has a
// corresponding event; subscribers are advisory observers and correctness
// never depends on anyone listening.
const (
	EventOnline        = "online"
	EventOffline       = "offline"
	EventQueued        = "transaction_queued"
	EventCompleted     = "transaction_completed"
	EventFailed        = "transaction_failed"
	EventRetry         = "transaction_retry"
	EventDeleted       = "transaction_deleted"
	EventSyncStarted   = "sync_started"
	EventSyncCompleted = "sync_completed"
	EventSyncError     = "sync_error"
	EventEntitySynced  = "entity_synced"
	EventEntityFailed  = "entity_failed"
	EventConflict      = "conflict_detected"
	EventConflictFixed = "conflict_resolved"
)

// Event is a lightweight engine notification.
type Event struct {
	Type          string        `json:"type"`
	TransactionID string        `json:"transaction_id,omitempty"`
	EntityType    string        `json:"entity_type,omitempty"`
	EntityID      string        `json:"entity_id,omitempty"`
	ConflictID    int64         `json:"conflict_id,omitempty"`
	Error         string        `json:"error,omitempty"`
	RetryCount    int           `json:"retry_count,omitempty"`
	NextRetryIn   time.Duration `json:"next_retry_in,omitempty"`
	At            time.Time     `json:"at"`
}

// Listener receives every published event.
type Listener func(event Event)

// Bus provides in-process pub/sub for engine events.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[int]Listener)}
}

// Subscribe registers a listener and returns its unsubscribe function.
func (b *Bus) Subscribe(listener Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = listener
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish notifies all listeners synchronously. A panicking listener is
// isolated so it cannot prevent others from receiving the event or block
// the engine's state transition.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.RUnlock()

	for _, listener := range listeners {
		safeNotify(listener, event)
	}
}

func safeNotify(listener Listener, event Event) {
	defer func() {
		_ = recover()
	}()
	listener(event)
}
