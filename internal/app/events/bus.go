package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type Listener func(Event)

type ListenerID uint64

type subscription struct {
	id      ListenerID
	fn      Listener
	removed atomic.Bool
}

// Bus delivers events to listeners from a single goroutine in publish order.
// Publish never blocks; the queue is unbounded.
type Bus struct {
	mu     sync.Mutex
	nextID ListenerID
	subs   []*subscription
	queue  []Event
	closed bool

	wake chan struct{}
	done chan struct{}
	wg   conc.WaitGroup
}

func NewBus() *Bus {
	b := &Bus{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	b.wg.Go(b.run)
	return b
}

func (b *Bus) AddListener(fn Listener) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs = append(b.subs, &subscription{id: b.nextID, fn: fn})
	return b.nextID
}

// RemoveListener is safe from inside a callback, including the listener's own.
func (b *Bus) RemoveListener(id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			s.removed.Store(true)
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		log.Debug().Str("module", "events").Str("kind", string(ev.Kind())).Msg("publish after close dropped")
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close delivers what is already queued and stops the bus.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
	b.wg.Wait()
}

func (b *Bus) run() {
	for {
		select {
		case <-b.wake:
			b.drain()
		case <-b.done:
			b.drain()
			return
		}
	}
}

func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		subs := append([]*subscription(nil), b.subs...)
		b.mu.Unlock()

		for _, s := range subs {
			if s.removed.Load() {
				continue
			}
			deliver(s, ev)
		}
	}
}

func deliver(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("module", "events").
				Str("kind", string(ev.Kind())).
				Uint64("listener", uint64(s.id)).
				Interface("panic", r).
				Msg("listener panicked")
		}
	}()
	s.fn(ev)
}
