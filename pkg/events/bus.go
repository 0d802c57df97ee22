// Package events is a small in-process fan-out bus for sandbox
// lifecycle and collection cycle notifications. The HTTP layer streams
// it out over websockets.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Kind identifies what happened.
type Kind string

const (
	KindSandboxDiscovered Kind = "sandbox.discovered"
	KindSandboxRemoved    Kind = "sandbox.removed"
	KindCycleCompleted    Kind = "cycle.completed"
)

// Event is one bus notification. Data carries kind-specific fields and
// is JSON-serializable as a whole.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Sandbox   string         `json:"sandbox,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SandboxDiscovered builds the event for a sandbox entering tracking.
func SandboxDiscovered(id string) Event {
	return Event{Kind: KindSandboxDiscovered, Sandbox: id}
}

// SandboxRemoved builds the event for a sandbox leaving tracking.
func SandboxRemoved(id string) Event {
	return Event{Kind: KindSandboxRemoved, Sandbox: id}
}

// CycleCompleted builds the event summarizing one collection cycle.
func CycleCompleted(collected, failed int, took time.Duration) Event {
	return Event{
		Kind: KindCycleCompleted,
		Data: map[string]any{
			"collected":   collected,
			"failed":      failed,
			"duration_ms": took.Milliseconds(),
		},
	}
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full loses the event instead of stalling
// the publisher.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	buffer      int
	dropped     uint64
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 16

// NewBus creates a bus. A non-positive buffer falls back to
// DefaultBuffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subscribers: make(map[int]chan Event),
		buffer:      buffer,
	}
}

// Publish delivers the event to every subscriber. Missing ID and
// timestamp are filled in.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.dropped++
			log.Debug().
				Str("event_id", evt.ID).
				Str("kind", string(evt.Kind)).
				Msg("Dropped event for slow subscriber")
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. Cancel is idempotent and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Dropped returns how many events were lost to full subscriber
// buffers since the bus was created.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
