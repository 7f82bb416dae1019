package runtime

import "testing"

// ─── Fan-out ───

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	for i := 1; i <= 3; i++ {
		bus.Publish(Message{DeviceID: int64(i)})
	}

	for _, ch := range []chan Message{a, b} {
		for i := 1; i <= 3; i++ {
			msg := <-ch
			if msg.DeviceID != int64(i) {
				t.Errorf("message %d has DeviceID %d", i, msg.DeviceID)
			}
		}
	}
}

func TestBusPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	// Must not block or panic.
	bus.Publish(Message{DeviceID: 1})
}

// ─── Overflow ───

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	overflow := 5
	for i := 1; i <= subscriberQueueSize+overflow; i++ {
		bus.Publish(Message{DeviceID: int64(i)})
	}

	if got := len(ch); got != subscriberQueueSize {
		t.Fatalf("queue length = %d, want %d", got, subscriberQueueSize)
	}

	// The oldest messages were evicted; the head is message overflow+1.
	first := <-ch
	if first.DeviceID != int64(overflow+1) {
		t.Errorf("first queued DeviceID = %d, want %d", first.DeviceID, overflow+1)
	}
}

// ─── Unsubscribe ───

func TestBusUnsubscribeClosesQueue(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	bus.Publish(Message{DeviceID: 7})
	bus.Unsubscribe(ch)

	// Buffered message still drains, then the channel reads closed.
	msg, ok := <-ch
	if !ok || msg.DeviceID != 7 {
		t.Fatalf("first read = (%v, %v), want buffered message", msg, ok)
	}
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after unsubscribe")
	}

	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(Message{DeviceID: 8})

	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}

func TestBusUnsubscribeUnknownChannel(t *testing.T) {
	bus := NewBus()
	ch := make(chan Message, 1)
	// Unknown channel is ignored, not closed.
	bus.Unsubscribe(ch)
	select {
	case <-ch:
		t.Error("channel should remain open and empty")
	default:
	}
}
