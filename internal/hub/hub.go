package hub

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrEmpty  = errors.New("hub: no message ready")
	ErrClosed = errors.New("hub: closed")
)

// LaggedError reports that a subscriber fell more than the hub capacity
// behind and Missed messages were dropped for it. The subscription stays
// usable and continues at the oldest retained message.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("hub: subscriber lagged, %d messages missed", e.Missed)
}

// closedCh is returned by Ready when a message can be received immediately.
var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// slot holds one published message and how many subscribers present at
// publish time have yet to consume it. The payload is released at zero.
type slot struct {
	msg     []byte
	pending int
}

// Hub is a bounded multi-producer/multi-consumer broadcast ring for
// already-encoded messages. Publish never blocks: when the ring is full the
// oldest entry is overwritten and any subscriber still pointing at it is
// marked lagged on its next receive.
type Hub struct {
	mu     sync.Mutex
	ring   []slot
	head   uint64 // sequence number of the next publish
	notify chan struct{}
	subs   int
}

func New(capacity int) *Hub {
	if capacity < 1 {
		capacity = 1
	}
	return &Hub{
		ring:   make([]slot, capacity),
		notify: make(chan struct{}),
	}
}

// Publish appends msg and wakes waiting subscribers. It returns the number
// of subscribers at publish time; with none, msg is not retained.
func (h *Hub) Publish(msg []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs == 0 {
		return 0
	}
	h.ring[h.head%uint64(len(h.ring))] = slot{msg: msg, pending: h.subs}
	h.head++
	close(h.notify)
	h.notify = make(chan struct{})
	return h.subs
}

// Subscribe returns a receiver positioned at the current head: it sees every
// message published after this call and none before.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subs++
	return &Subscription{hub: h, next: h.head}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subs
}

// oldestLocked is the sequence number of the oldest message still in the ring.
func (h *Hub) oldestLocked() uint64 {
	capacity := uint64(len(h.ring))
	if h.head < capacity {
		return 0
	}
	return h.head - capacity
}

// releaseLocked marks seq as consumed by one subscriber.
func (h *Hub) releaseLocked(seq uint64) {
	sl := &h.ring[seq%uint64(len(h.ring))]
	sl.pending--
	if sl.pending <= 0 {
		*sl = slot{}
	}
}

// Subscription is one consumer's cursor into a Hub. It is owned by a single
// goroutine.
type Subscription struct {
	hub    *Hub
	next   uint64
	closed bool
}

// Ready returns a channel that is closed once TryRecv has something to
// report (a message, a lag or closure).
func (s *Subscription) Ready() <-chan struct{} {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed || s.next < h.head {
		return closedCh
	}
	return h.notify
}

// TryRecv returns the next message without blocking. Errors are ErrEmpty,
// ErrClosed or a *LaggedError.
func (s *Subscription) TryRecv() ([]byte, error) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	// slots skipped over were already overwritten, so there is nothing to
	// release for them
	if oldest := h.oldestLocked(); s.next < oldest {
		missed := oldest - s.next
		s.next = oldest
		return nil, &LaggedError{Missed: missed}
	}
	if s.next == h.head {
		return nil, ErrEmpty
	}
	msg := h.ring[s.next%uint64(len(h.ring))].msg
	h.releaseLocked(s.next)
	s.next++
	return msg, nil
}

// Close releases the subscription and its claim on every message it has not
// consumed. Safe to call more than once.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	h.subs--
	for seq := max(s.next, h.oldestLocked()); seq < h.head; seq++ {
		h.releaseLocked(seq)
	}
}
