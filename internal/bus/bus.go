// Package bus is an in-process pub/sub bus with topic prefix matching. The
// control core publishes approval, alarm and hormone events on it; the
// gateway websocket consumes them.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Subscription receives the events whose topic starts with one of its
// prefixes. No prefixes means every topic.
type Subscription struct {
	id       int
	prefixes []string
	ch       chan Event
	dropped  atomic.Int64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Matches reports whether topic is delivered to s.
func (s *Subscription) Matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// TakeDropped returns how many events were dropped because the buffer was
// full since the last call, and resets the count.
func (s *Subscription) TakeDropped() int64 {
	return s.dropped.Swap(0)
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event and its drop count
// grows.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	now    func() time.Time
}

func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
		now:  time.Now,
	}
}

// Subscribe creates a subscription for the given topic prefixes. Empty
// prefixes are ignored, so Subscribe("") matches everything.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	var kept []string
	for _, p := range prefixes {
		if p != "" {
			kept = append(kept, p)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefixes: kept,
		ch:       make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish stamps the event and offers it to every matching subscriber.
// Publishing on a nil Bus is a no-op so components can run without one.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, Payload: payload, At: b.now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.Matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
