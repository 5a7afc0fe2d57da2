// Package stream provides a hot multicast broadcaster.
//
// A Broadcaster delivers every published value to the subscriptions and taps
// registered at publish time. Each subscription buffers into its own unbounded
// Mailbox, so a slow subscriber never stalls the publisher or any other
// subscriber. Subscribers never see values published before they subscribed.
//
// Taps run synchronously inside Publish. They let one consumer funnel several
// broadcasters into a single Mailbox while keeping the real-time order in
// which the values were published.
package stream

import (
	"sync"
	"sync/atomic"
	"time"
)

// Broadcaster fans values of type T out to its current subscribers
type Broadcaster[T any] struct {
	name string

	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	taps   map[uint64]*Tap
	fns    map[uint64]func(T)
	nextID uint64
	closed bool

	published atomic.Uint64
}

// NewBroadcaster creates a broadcaster; name is used in logs
func NewBroadcaster[T any](name string) *Broadcaster[T] {
	return &Broadcaster[T]{
		name: name,
		subs: make(map[uint64]*Subscription[T]),
		taps: make(map[uint64]*Tap),
		fns:  make(map[uint64]func(T)),
	}
}

// Name returns the broadcaster name
func (b *Broadcaster[T]) Name() string { return b.name }

// Subscribe registers a new subscription. Subscribing to a closed
// broadcaster returns a subscription whose channel is already closed.
func (b *Broadcaster[T]) Subscribe(name string) *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &Subscription[T]{Mailbox: closedMailbox[T](), name: name, owner: b, SubscribedAt: time.Now()}
	}

	b.nextID++
	sub := &Subscription[T]{
		Mailbox:      NewMailbox[T](),
		id:           b.nextID,
		name:         name,
		owner:        b,
		SubscribedAt: time.Now(),
	}
	b.subs[sub.id] = sub
	return sub
}

// Tap registers fn to be called synchronously for every published value.
// fn must not block and must not call back into the broadcaster. On a closed
// broadcaster fn is never called.
func (b *Broadcaster[T]) Tap(name string, fn func(T)) *Tap {
	b.mu.Lock()
	defer b.mu.Unlock()

	tap := &Tap{name: name}
	if b.closed {
		tap.remove = func() {}
		return tap
	}

	b.nextID++
	id := b.nextID
	b.taps[id] = tap
	b.fns[id] = fn
	tap.remove = func() {
		b.mu.Lock()
		delete(b.taps, id)
		delete(b.fns, id)
		b.mu.Unlock()
	}
	return tap
}

// Publish hands v to every current subscriber and tap and returns how many
// accepted it. Publish never blocks on subscribers.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	b.published.Add(1)

	accepted := 0
	for _, sub := range b.subs {
		if sub.Push(v) {
			accepted++
		}
	}
	for _, fn := range b.fns {
		fn(v)
		accepted++
	}
	return accepted
}

// Len returns the number of active subscriptions and taps
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs) + len(b.taps)
}

// Published returns the number of values published so far
func (b *Broadcaster[T]) Published() uint64 {
	return b.published.Load()
}

// Close closes every subscription and drops every tap. Further publishes are
// discarded.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription[T], 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uint64]*Subscription[T])
	b.taps = make(map[uint64]*Tap)
	b.fns = make(map[uint64]func(T))
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Mailbox.Close()
	}
}

func (b *Broadcaster[T]) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one buffered consumer of a Broadcaster
type Subscription[T any] struct {
	*Mailbox[T]

	id    uint64
	name  string
	owner *Broadcaster[T]

	SubscribedAt time.Time
}

// Name returns the subscriber name given to Subscribe
func (s *Subscription[T]) Name() string { return s.name }

// Close unregisters the subscription, discards pending values and closes C.
// It is idempotent. Once Close returns nothing more is delivered on C.
func (s *Subscription[T]) Close() {
	s.owner.remove(s.id)
	s.Mailbox.Close()
}

// Tap is a synchronous registration made with Broadcaster.Tap
type Tap struct {
	name   string
	once   sync.Once
	remove func()
}

// Name returns the tap name
func (t *Tap) Name() string { return t.name }

// Close unregisters the tap. Once Close returns the tap function is not
// called again.
func (t *Tap) Close() {
	t.once.Do(t.remove)
}
