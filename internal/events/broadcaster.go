package events

import (
	"sync"
	"sync/atomic"
)

// subscriberBuffer is how far a subscriber may fall behind before events are
// dropped for it.
const subscriberBuffer = 64

// Subscriber receives live events until it is unsubscribed or the stream is
// shut down, at which point the channel is closed.
type Subscriber chan Event

var fanout = struct {
	mu      sync.RWMutex
	subs    map[Subscriber]struct{}
	dropped atomic.Uint64
}{subs: make(map[Subscriber]struct{})}

func Subscribe() Subscriber {
	ch := make(Subscriber, subscriberBuffer)
	fanout.mu.Lock()
	fanout.subs[ch] = struct{}{}
	fanout.mu.Unlock()
	return ch
}

// Unsubscribe closes sub. Unsubscribing twice, or after CloseAllSubscribers,
// is a no-op.
func Unsubscribe(sub Subscriber) {
	fanout.mu.Lock()
	defer fanout.mu.Unlock()
	if _, ok := fanout.subs[sub]; ok {
		delete(fanout.subs, sub)
		close(sub)
	}
}

// CloseAllSubscribers ends every live stream.
func CloseAllSubscribers() {
	fanout.mu.Lock()
	defer fanout.mu.Unlock()
	for sub := range fanout.subs {
		close(sub)
		delete(fanout.subs, sub)
	}
}

// broadcast never blocks Emit: a subscriber with a full buffer misses e.
func broadcast(e Event) {
	fanout.mu.RLock()
	defer fanout.mu.RUnlock()
	for sub := range fanout.subs {
		select {
		case sub <- e:
		default:
			fanout.dropped.Add(1)
		}
	}
}

func SubscriberCount() int {
	fanout.mu.RLock()
	defer fanout.mu.RUnlock()
	return len(fanout.subs)
}

// DroppedCount is the number of deliveries skipped for slow subscribers.
func DroppedCount() uint64 {
	return fanout.dropped.Load()
}

// RecentEvents returns up to n of the newest buffered events, oldest first.
func RecentEvents(n int) []Event {
	return buffer.Last(n)
}
