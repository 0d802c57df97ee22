package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(4)

	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(SandboxDiscovered("sbx-1"))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			assert.Equal(t, KindSandboxDiscovered, evt.Kind)
			assert.Equal(t, "sbx-1", evt.Sandbox)
			assert.NotEmpty(t, evt.ID)
			assert.False(t, evt.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBusPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus(1)
	// Must not block or panic.
	bus.Publish(SandboxRemoved("sbx-1"))
	assert.Equal(t, uint64(0), bus.Dropped())
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(1)

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(SandboxDiscovered("sbx-1"))
	bus.Publish(SandboxDiscovered("sbx-2"))
	bus.Publish(SandboxDiscovered("sbx-3"))

	// Buffer of one: the first event is queued, the rest are dropped
	// rather than blocking the publisher.
	assert.Equal(t, uint64(2), bus.Dropped())

	evt := <-ch
	assert.Equal(t, "sbx-1", evt.Sandbox)
}

func TestBusCancelStopsDeliveryAndClosesChannel(t *testing.T) {
	bus := NewBus(4)

	ch, cancel := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	cancel()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "channel should be closed after cancel")

	// Publishing after cancel reaches nobody.
	bus.Publish(SandboxRemoved("sbx-1"))
	assert.Equal(t, uint64(0), bus.Dropped())

	// Cancel is idempotent.
	cancel()
}

func TestCycleCompletedEvent(t *testing.T) {
	evt := CycleCompleted(5, 2, 1500*time.Millisecond)

	assert.Equal(t, KindCycleCompleted, evt.Kind)
	assert.Equal(t, 5, evt.Data["collected"])
	assert.Equal(t, 2, evt.Data["failed"])
	assert.Equal(t, int64(1500), evt.Data["duration_ms"])
}
