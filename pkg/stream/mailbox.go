package stream

import "sync"

// Mailbox is an unbounded FIFO drained by a pump goroutine into C.
// Push never blocks.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool

	signal    chan struct{}
	done      chan struct{}
	pumpDone  chan struct{}
	out       chan T
	closeOnce sync.Once
}

// NewMailbox creates a mailbox and starts its pump
func NewMailbox[T any]() *Mailbox[T] {
	m := newMailbox[T]()
	go m.pump()
	return m
}

func newMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
		out:      make(chan T),
	}
}

// closedMailbox returns a mailbox that delivers nothing
func closedMailbox[T any]() *Mailbox[T] {
	m := newMailbox[T]()
	m.closed = true
	close(m.done)
	close(m.out)
	close(m.pumpDone)
	m.closeOnce.Do(func() {})
	return m
}

// C returns the delivery channel. It is closed when the mailbox closes.
func (m *Mailbox[T]) C() <-chan T { return m.out }

// Done is closed as soon as Close starts
func (m *Mailbox[T]) Done() <-chan struct{} { return m.done }

// Pending returns the number of values buffered but not yet received
func (m *Mailbox[T]) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Push appends v. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, v)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Close discards pending values and closes C. It is idempotent and,
// once it returns, nothing more is delivered on C.
func (m *Mailbox[T]) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.queue = nil
		m.mu.Unlock()

		close(m.done)
		<-m.pumpDone
	})
}

func (m *Mailbox[T]) pump() {
	defer close(m.pumpDone)
	defer close(m.out)

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.signal:
				continue
			case <-m.done:
				return
			}
		}
		item := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- item:
		case <-m.done:
			return
		}
	}
}
