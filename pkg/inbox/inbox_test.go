package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/model"
	"github.com/armorclaw/errorhub/pkg/stream"
)

type fakeStore struct {
	mu      sync.Mutex
	seq     int64
	stored  []model.ErrorPayload
	failFor string
}

func (s *fakeStore) Store(_ context.Context, p model.ErrorPayload) (model.ErrorPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.SourceID == s.failFor {
		return model.ErrorPayload{}, errors.New("database is locked")
	}
	s.seq++
	p.Sequence = s.seq
	s.stored = append(s.stored, p)
	return p, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored)
}

func payload(source, typ string) model.ErrorPayload {
	return model.ErrorPayload{
		SourceID: source,
		Error:    model.Error{Type: typ, Message: "boom"},
		ErrorID:  source + "-" + typ,
	}
}

func next(t *testing.T, sub *stream.Subscription[model.ErrorPayload]) model.ErrorPayload {
	t.Helper()
	select {
	case p, ok := <-sub.C():
		require.True(t, ok, "stream closed")
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
	}
	return model.ErrorPayload{}
}

func TestInbox_PostStoresThenDelivers(t *testing.T) {
	store := &fakeStore{}
	in := New(store, WithOrigin("local"))
	in.Start()
	defer in.Stop(context.Background())

	sub := in.Stream("test")

	for _, typ := range []string{"t1", "t2", "t3"} {
		stored, err := in.Post(context.Background(), payload("a1", typ))
		require.NoError(t, err)
		assert.NotZero(t, stored.Sequence)
		assert.Equal(t, "local", stored.Origin)
		assert.False(t, stored.ReceivedAt.IsZero())
	}

	for i, typ := range []string{"t1", "t2", "t3"} {
		got := next(t, sub)
		assert.Equal(t, typ, got.Error.Type)
		assert.Equal(t, int64(i+1), got.Sequence)
	}
	assert.Equal(t, 3, store.count())
}

func TestInbox_StoreFailureIsNeverDelivered(t *testing.T) {
	store := &fakeStore{failFor: "broken"}
	in := New(store)
	in.Start()
	defer in.Stop(context.Background())

	sub := in.Stream("test")

	_, err := in.Post(context.Background(), payload("broken", "t1"))
	require.Error(t, err)
	code, ok := herrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, herrors.CodeStoreFailed, code)

	_, err = in.Post(context.Background(), payload("a1", "t1"))
	require.NoError(t, err)

	assert.Equal(t, "a1", next(t, sub).SourceID)
	assert.Equal(t, int64(1), in.Metrics().GetSnapshot()["post_failed"])
}

func TestInbox_OriginResolution(t *testing.T) {
	store := &fakeStore{}
	in := New(store, WithOrigin("local"))

	fromCtx, err := in.Post(model.WithOrigin(context.Background(), "peer-1"), payload("a1", "t"))
	require.NoError(t, err)
	assert.Equal(t, "peer-1", fromCtx.Origin)

	preset := payload("a1", "t")
	preset.Origin = "peer-2"
	kept, err := in.Post(model.WithOrigin(context.Background(), "peer-1"), preset)
	require.NoError(t, err)
	assert.Equal(t, "peer-2", kept.Origin)

	require.NoError(t, in.Stop(context.Background()))
}

func TestInbox_PostAfterStop(t *testing.T) {
	in := New(&fakeStore{})
	in.Start()
	require.NoError(t, in.Stop(context.Background()))
	require.NoError(t, in.Stop(context.Background()))

	_, err := in.Post(context.Background(), payload("a1", "t"))
	assert.ErrorIs(t, err, herrors.ErrInboxClosed)
	assert.False(t, in.Running())
}

func TestInbox_StopDrainsQueuedThenCloses(t *testing.T) {
	in := New(&fakeStore{})
	sub := in.Stream("test")

	for i := 0; i < 20; i++ {
		_, err := in.Post(context.Background(), payload("a1", "t"))
		require.NoError(t, err)
	}
	assert.Equal(t, 20, in.Len())

	in.Start()
	require.NoError(t, in.Stop(context.Background()))

	received := 0
	for range sub.C() {
		received++
	}
	// closing the stream may discard values the subscriber had not yet read,
	// but the worker must have published every queued payload
	assert.LessOrEqual(t, received, 20)
	assert.Equal(t, int64(20), in.Metrics().GetSnapshot()["delivered"])
	assert.Equal(t, 0, in.Len())
}

func TestInbox_FaultySubscriberIsolated(t *testing.T) {
	in := New(&fakeStore{})
	in.Start()
	defer in.Stop(context.Background())

	faulty := in.Stream("faulty")
	healthy := in.Stream("healthy")

	errCh := make(chan error, 1)
	go func() {
		errCh <- stream.Consume(context.Background(), faulty, func(model.ErrorPayload) error {
			panic("viewer bug")
		})
	}()

	for i := 0; i < 3; i++ {
		_, err := in.Post(context.Background(), payload("a1", "t"))
		require.NoError(t, err)
	}

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("faulty consumer did not stop")
	}

	for i := 0; i < 3; i++ {
		next(t, healthy)
	}
	assert.True(t, in.Running())
	assert.Equal(t, 1, in.Subscribers())
}

func TestInbox_ConcurrentPostersPreserveEveryPayload(t *testing.T) {
	store := &fakeStore{}
	in := New(store)
	in.Start()
	sub := in.Stream("test")

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := in.Post(context.Background(), payload("a1", "t"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for i := 0; i < 200; i++ {
		p := next(t, sub)
		assert.False(t, seen[p.Sequence], "duplicate sequence %d", p.Sequence)
		seen[p.Sequence] = true
	}
	require.NoError(t, in.Stop(context.Background()))
}
