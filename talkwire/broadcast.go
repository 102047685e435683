package talkwire

import "sync"

// Subscription receives domain events from the manager. Each subscriber has
// its own bounded buffer; when a consumer falls behind, the oldest buffered
// events are dropped in favor of newest. Delivery is at-most-once.
type Subscription struct {
	ch     chan Event
	cancel func()
}

// C returns the event channel. It is closed when the subscription is
// cancelled.
func (s *Subscription) C() <-chan Event { return s.ch }

// Cancel detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() { s.cancel() }

// broadcaster fans events out to subscribers, single producer, bounded
// buffers, drop-oldest on overflow.
type broadcaster struct {
	buffer int
	warn   func(msg string, fields map[string]any)

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newBroadcaster(buffer int, warn func(msg string, fields map[string]any)) *broadcaster {
	if buffer <= 0 {
		buffer = 1
	}
	return &broadcaster{
		buffer: buffer,
		warn:   warn,
		subs:   make(map[*Subscription]struct{}),
	}
}

func (b *broadcaster) subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscription{ch: make(chan Event, b.buffer)}
	s.cancel = func() { b.remove(s) }
	b.subs[s] = struct{}{}
	return s
}

func (b *broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		// Full: make room by dropping the oldest buffered event.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
		b.warn("event buffer full, dropped oldest event", map[string]any{"buffer": b.buffer})
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}
