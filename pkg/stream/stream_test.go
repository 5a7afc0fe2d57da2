package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herrors "github.com/armorclaw/errorhub/pkg/errors"
)

func receive[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestBroadcaster_DeliversInOrder(t *testing.T) {
	b := NewBroadcaster[int]("numbers")
	defer b.Close()

	sub := b.Subscribe("reader")
	for i := 0; i < 100; i++ {
		assert.Equal(t, 1, b.Publish(i))
	}
	for i := 0; i < 100; i++ {
		assert.Equal(t, i, receive(t, sub))
	}
	assert.Equal(t, uint64(100), b.Published())
}

func TestBroadcaster_HotSemantics(t *testing.T) {
	b := NewBroadcaster[string]("words")
	defer b.Close()

	early := b.Subscribe("early")
	b.Publish("before")
	late := b.Subscribe("late")
	b.Publish("after")

	assert.Equal(t, "before", receive(t, early))
	assert.Equal(t, "after", receive(t, early))
	assert.Equal(t, "after", receive(t, late))
	assert.Equal(t, 0, late.Pending())
}

func TestBroadcaster_SlowSubscriberDoesNotStallOthers(t *testing.T) {
	b := NewBroadcaster[int]("numbers")
	defer b.Close()

	slow := b.Subscribe("slow")
	fast := b.Subscribe("fast")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Publish(i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	for i := 0; i < 1000; i++ {
		require.Equal(t, i, receive(t, fast))
	}
	assert.Equal(t, 0, receive(t, slow))
}

func TestSubscription_CloseIsIdempotentAndStopsDelivery(t *testing.T) {
	b := NewBroadcaster[int]("numbers")
	defer b.Close()

	sub := b.Subscribe("reader")
	b.Publish(1)
	b.Publish(2)

	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok, "channel should be closed and pending values discarded")
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Publish(3))
}

func TestBroadcaster_CloseClosesSubscriptions(t *testing.T) {
	b := NewBroadcaster[int]("numbers")
	a := b.Subscribe("a")
	c := b.Subscribe("c")
	require.Equal(t, 2, b.Len())

	b.Close()
	b.Close()

	for _, sub := range []*Subscription[int]{a, c} {
		select {
		case _, ok := <-sub.C():
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("subscription not closed")
		}
	}

	late := b.Subscribe("late")
	_, ok := <-late.C()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Publish(1))
}

func TestBroadcaster_ConcurrentPublishers(t *testing.T) {
	b := NewBroadcaster[int]("numbers")
	defer b.Close()
	sub := b.Subscribe("reader")

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Publish(i)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 400; i++ {
		receive(t, sub)
	}
}

func TestConsume_PanicIsolated(t *testing.T) {
	b := NewBroadcaster[int]("numbers")
	defer b.Close()

	faulty := b.Subscribe("faulty")
	healthy := b.Subscribe("healthy")

	errCh := make(chan error, 1)
	go func() {
		errCh <- Consume(context.Background(), faulty, func(v int) error {
			if v == 2 {
				panic("boom")
			}
			return nil
		})
	}()

	for i := 1; i <= 3; i++ {
		b.Publish(i)
	}

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, &herrors.HubError{Code: herrors.CodeSubscriberFault}))
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return")
	}

	for i := 1; i <= 3; i++ {
		assert.Equal(t, i, receive(t, healthy))
	}
	assert.Equal(t, 1, b.Len())
}

func TestConsume_ReturnsOnContextCancel(t *testing.T) {
	b := NewBroadcaster[int]("numbers")
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe("reader")

	errCh := make(chan error, 1)
	go func() { errCh <- Consume(ctx, sub, func(int) error { return nil }) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Consume ignored cancellation")
	}
	assert.Equal(t, 0, b.Len())
}

func TestConsume_NilOnClose(t *testing.T) {
	b := NewBroadcaster[int]("numbers")
	sub := b.Subscribe("reader")

	var got []int
	errCh := make(chan error, 1)
	go func() {
		errCh <- Consume(context.Background(), sub, func(v int) error {
			got = append(got, v)
			if v == 2 {
				go b.Close()
			}
			return nil
		})
	}()
	b.Publish(1)
	b.Publish(2)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return after close")
	}
	assert.Equal(t, []int{1, 2}, got)
}

func TestTap_PreservesOrderAcrossBroadcasters(t *testing.T) {
	letters := NewBroadcaster[string]("letters")
	numbers := NewBroadcaster[int]("numbers")
	defer letters.Close()
	defer numbers.Close()

	mb := NewMailbox[string]()
	defer mb.Close()

	lt := letters.Tap("merge", func(s string) { mb.Push(s) })
	nt := numbers.Tap("merge", func(n int) { mb.Push(string(rune('0' + n))) })
	defer lt.Close()
	defer nt.Close()

	letters.Publish("a")
	numbers.Publish(1)
	letters.Publish("b")
	numbers.Publish(2)

	var got []string
	for i := 0; i < 4; i++ {
		select {
		case v := <-mb.C():
			got = append(got, v)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for value")
		}
	}
	assert.Equal(t, []string{"a", "1", "b", "2"}, got)
}

func TestTap_CloseStopsCalls(t *testing.T) {
	b := NewBroadcaster[int]("numbers")
	defer b.Close()

	var calls int
	tap := b.Tap("counter", func(int) { calls++ })
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 1, b.Publish(1))

	tap.Close()
	tap.Close()
	assert.Equal(t, 0, b.Publish(2))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.Len())
}

func TestTap_OnClosedBroadcaster(t *testing.T) {
	b := NewBroadcaster[int]("numbers")
	b.Close()

	called := false
	tap := b.Tap("late", func(int) { called = true })
	b.Publish(1)
	tap.Close()
	assert.False(t, called)
}

func TestMailbox_PushAfterClose(t *testing.T) {
	mb := NewMailbox[int]()
	assert.True(t, mb.Push(1))
	mb.Close()
	assert.False(t, mb.Push(2))

	select {
	case <-mb.Done():
	default:
		t.Fatal("done not closed")
	}
	_, ok := <-mb.C()
	assert.False(t, ok)
	assert.Equal(t, 0, mb.Pending())
}
