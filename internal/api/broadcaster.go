package api

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/JakeFAU/forum-ingestor/internal/progress"
)

const defaultSubscriberBuffer = 64

// Broadcaster is a progress sink that fans events out to live subscribers.
// A subscriber whose buffer is full misses events rather than stalling the hub.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]chan progress.Event
	buffer  int
	closed  bool
	dropped atomic.Int64
}

var _ progress.Sink = (*Broadcaster)(nil)

// NewBroadcaster builds a Broadcaster with a per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{subs: make(map[string]chan progress.Event), buffer: buffer}
}

// Subscribe registers a subscriber. The returned channel is closed by the
// cancel func or when the Broadcaster closes.
func (b *Broadcaster) Subscribe() (string, <-chan progress.Event, func()) {
	id := uuid.NewString()
	ch := make(chan progress.Event, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return id, ch, func() {}
	}
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return id, ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Subscribers reports the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Consume delivers the batch to every subscriber without blocking.
func (b *Broadcaster) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, evt := range batch {
		for _, ch := range b.subs {
			select {
			case ch <- evt:
			default:
				b.dropped.Add(1)
			}
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
