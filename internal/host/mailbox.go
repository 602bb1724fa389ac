package host

import (
	"sync"

	"github.com/bingosuite/debugbridge/internal/protocol"
)

// mailbox is an unbounded FIFO between the receive loop and the consumer.
// put never blocks; a pump goroutine feeds out at the consumer's pace.
type mailbox struct {
	mu     sync.Mutex
	items  []protocol.Notification
	closed bool
	wake   chan struct{}
	out    chan protocol.Notification
	quit   chan struct{}
	once   sync.Once
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		out:  make(chan protocol.Notification),
		quit: make(chan struct{}),
	}
	go m.pump()
	return m
}

func (m *mailbox) put(n protocol.Notification) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, n)
	m.mu.Unlock()
	m.signal()
}

// close lets the consumer drain what is queued, then closes out.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// abandon drops the queue for a consumer that has gone away.
func (m *mailbox) abandon() {
	m.once.Do(func() { close(m.quit) })
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		batch := m.items
		m.items = nil
		closed := m.closed
		m.mu.Unlock()

		for _, n := range batch {
			select {
			case m.out <- n:
			case <-m.quit:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		select {
		case <-m.wake:
		case <-m.quit:
			return
		}
	}
}
