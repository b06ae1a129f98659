// Package eventbus is the in-process fanout that decouples the storage core
// from notification and maintenance listeners. Publish never blocks; slow
// subscribers lose events rather than stall the publisher.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one bus message. Data should stay small and JSON-friendly, the
// telegram notifier renders it verbatim.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)

	// Subscribe registers a buffered listener channel. The returned func
	// detaches it; calling it twice is fine.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines; delivery happens on
// the publisher's stack.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		b.deliver(ch, e)
	}
}

// deliver hands one event to one subscriber without blocking. A concurrent
// unsubscribe may close the channel mid-send; the recover absorbs that.
func (b *fanout) deliver(ch chan Event, e Event) {
	defer func() {
		if recover() != nil {
			b.dropped.Add(1)
		}
	}()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports how many events were lost to full buffers or races with
// unsubscribe since the bus was created.
func (b *fanout) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
