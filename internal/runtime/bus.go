package runtime

import "sync"

// subscriberQueueSize is the per-subscriber buffer. A slow WebSocket
// client loses its oldest backlog rather than stalling the publishers.
const subscriberQueueSize = 200

// Bus fans runtime messages out to subscribers.
//
// Publish never blocks: when a subscriber's buffer is full, the oldest
// buffered message is dropped to make room. Sends and the close in
// Unsubscribe happen under the same mutex, so a departing subscriber
// can never race a publish onto a closed channel.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan Message]struct{}
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan Message]struct{})}
}

// Subscribe registers a new subscriber and returns its queue. The caller
// must eventually call Unsubscribe with the same channel.
func (b *Bus) Subscribe() chan Message {
	ch := make(chan Message, subscriberQueueSize)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its queue. Readers observe
// the close after draining any buffered messages. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Publish delivers a message to every subscriber without blocking.
func (b *Bus) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			// Full queue: evict the oldest, then enqueue. The second
			// send can only fail if another publisher refilled the
			// buffer between the two selects, which the mutex excludes.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

// SubscriberCount reports how many subscribers are registered.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
