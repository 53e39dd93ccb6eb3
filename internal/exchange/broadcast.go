package exchange

import (
	"sync"
	"sync/atomic"
)

// Broadcaster fans values out to every live subscriber. Each
// subscriber owns a buffered channel of fixed capacity; Send never
// blocks. A subscriber that falls behind by more than its buffer is
// dropped: its channel is closed and Lagged reports true, which
// waiters treat as fatal for their request.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	buf    int
	closed bool
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to
// capacity undelivered values.
func NewBroadcaster[T any](capacity int) *Broadcaster[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Broadcaster[T]{
		subs: make(map[uint64]*Subscription[T]),
		buf:  capacity,
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed
// broadcaster yields a subscription whose channel is already closed.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscription[T]{
		ch: make(chan T, b.buf),
		b:  b,
		id: b.nextID,
	}
	b.nextID++
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Send delivers v to every subscriber that still has buffer room and
// drops the rest. It returns how many subscribers received the value;
// zero only means no-one is listening yet.
func (b *Broadcaster[T]) Send(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	delivered := 0
	for id, s := range b.subs {
		select {
		case s.ch <- v:
			delivered++
		default:
			s.lagged.Store(true)
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return delivered
}

// Close drops all subscribers. Their channels close without the lagged
// mark, letting receivers tell shutdown apart from overflow.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Len returns the current number of subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscription is one receiver of a Broadcaster. The owner must Cancel
// it when done; a canceled or dropped subscription's channel is closed.
type Subscription[T any] struct {
	ch     chan T
	b      *Broadcaster[T]
	id     uint64
	lagged atomic.Bool
}

// C is the receive side. It closes when the subscription is canceled,
// dropped for lagging, or the broadcaster shuts down.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Lagged reports whether the subscription was dropped because its
// buffer overflowed.
func (s *Subscription[T]) Lagged() bool { return s.lagged.Load() }

// Cancel unsubscribes. Safe to call more than once and concurrently
// with Send.
func (s *Subscription[T]) Cancel() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.subs[s.id]; ok {
		delete(s.b.subs, s.id)
		close(s.ch)
	}
}
