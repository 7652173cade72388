package events

import (
	"sync"

	"liquidationqueue/core/types"
)

const defaultFeedBuffer = 64

// Feed fans committed events out to live subscribers. Slow subscribers drop
// events instead of blocking the publisher.
type Feed struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan *types.Event
	buffer int
}

// NewFeed constructs a feed whose subscriber channels hold buffer events.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	return &Feed{subs: make(map[uint64]chan *types.Event), buffer: buffer}
}

// Emit publishes the event to every subscriber.
func (f *Feed) Emit(evt Event) {
	if f == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- payload.Clone():
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release it.
func (f *Feed) Subscribe() (<-chan *types.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	ch := make(chan *types.Event, f.buffer)
	f.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			close(ch)
			f.mu.Unlock()
		})
	}
	return ch, cancel
}

// Subscribers reports the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
