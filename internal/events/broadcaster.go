package events

import (
	"sync"

	"github.com/flywheeldev/flywheel/internal/eventq"
	"github.com/flywheeldev/flywheel/internal/hexid"
)

const defaultSubscriberBuffer = 256

// Broadcaster fans events out to any number of subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses that event.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]chan Event
	buffer int
	closed bool
}

// NewBroadcaster returns a broadcaster whose subscriber channels hold
// bufferSize events each. bufferSize <= 0 selects the default of 256.
func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Broadcaster{
		subs:   make(map[string]chan Event),
		buffer: bufferSize,
	}
}

// Subscribe registers a new consumer. The returned cancel function removes
// the subscription and closes its channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	tag := hexid.NewLen(6)
	for {
		if _, exists := b.subs[tag]; !exists {
			break
		}
		tag = hexid.NewLen(6)
	}
	b.subs[tag] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[tag]; ok {
				delete(b.subs, tag)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers ev to every current subscriber without blocking.
// It returns the number of subscribers that received the event.
func (b *Broadcaster) Publish(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	delivered := 0
	for _, ch := range b.subs {
		if eventq.Offer(ch, ev) {
			delivered++
		}
	}
	return delivered
}

// SubscriberCount reports the number of active subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel and rejects further subscriptions.
// Safe to call more than once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for tag, ch := range b.subs {
		delete(b.subs, tag)
		close(ch)
	}
}
