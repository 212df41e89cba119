package hub

import "sync"

// Mailbox is an unbounded single-producer/single-consumer queue used for
// messages meant for exactly one connection, such as a join snapshot.
type Mailbox struct {
	mu     sync.Mutex
	queue  [][]byte
	signal chan struct{}
	closed bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{signal: make(chan struct{}, 1)}
}

// Send enqueues msg. It never blocks and fails only after Close.
func (m *Mailbox) Send(msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.queue = append(m.queue, msg)
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

// Ready fires after a Send. The consumer drains with TryRecv until it
// reports false.
func (m *Mailbox) Ready() <-chan struct{} {
	return m.signal
}

func (m *Mailbox) TryRecv() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return nil, false
	}
	msg := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	if len(m.queue) == 0 {
		m.queue = nil
	}
	return msg, true
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close drops pending messages and rejects further sends.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.queue = nil
}
