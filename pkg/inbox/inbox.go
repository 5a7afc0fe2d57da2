// Package inbox is the ingestion queue. Posted payloads are persisted to the
// backlog first and then republished, in acceptance order, on a hot multicast
// stream drained by a single worker.
package inbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/logger"
	"github.com/armorclaw/errorhub/pkg/model"
	"github.com/armorclaw/errorhub/pkg/stream"
)

// Storer persists a payload and returns it with its assigned sequence
type Storer interface {
	Store(ctx context.Context, payload model.ErrorPayload) (model.ErrorPayload, error)
}

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopping
	stateStopped
)

type queued struct {
	payload    model.ErrorPayload
	enqueuedAt time.Time
}

// Inbox accepts error payloads and fans them out to live subscribers
type Inbox struct {
	store   Storer
	stream  *stream.Broadcaster[model.ErrorPayload]
	origin  string
	now     func() time.Time
	metrics *Metrics
	events  *logger.EventLogger

	// postMu is held shared by in-flight posts and exclusively by Stop
	postMu sync.RWMutex

	mu     sync.Mutex
	queue  []queued
	state  state
	signal chan struct{}
	abort  chan struct{}
	done   chan struct{}
}

// Option configures an Inbox
type Option func(*Inbox)

// WithOrigin sets the instance ID stamped on payloads posted without one
func WithOrigin(origin string) Option {
	return func(i *Inbox) { i.origin = origin }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(i *Inbox) { i.now = now }
}

// WithMetrics shares a metrics collector
func WithMetrics(m *Metrics) Option {
	return func(i *Inbox) { i.metrics = m }
}

// New creates an inbox in front of store. Call Start to begin fan-out.
func New(store Storer, opts ...Option) *Inbox {
	i := &Inbox{
		store:   store,
		stream:  stream.NewBroadcaster[model.ErrorPayload]("errors"),
		now:     time.Now,
		metrics: NewMetrics(),
		signal:  make(chan struct{}, 1),
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.events = logger.NewEventLogger(logger.Global().WithComponent("inbox"))
	return i
}

// Start launches the drain worker. Calling Start more than once has no effect.
func (i *Inbox) Start() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != stateCreated {
		return
	}
	i.state = stateRunning
	go i.drain()

	i.events.LogEvent(logger.InboxStarted, slog.String("origin", i.origin))
}

// Post persists payload and enqueues the stored copy for live delivery.
// Nothing is enqueued when the backlog refuses the payload.
func (i *Inbox) Post(ctx context.Context, payload model.ErrorPayload) (model.ErrorPayload, error) {
	i.postMu.RLock()
	defer i.postMu.RUnlock()

	if i.closed() {
		i.metrics.RecordRejected()
		return model.ErrorPayload{}, herrors.ErrInboxClosed
	}

	if payload.Origin == "" {
		payload.Origin = model.OriginFrom(ctx)
	}
	if payload.Origin == "" {
		payload.Origin = i.origin
	}
	if payload.ReceivedAt.IsZero() {
		payload.ReceivedAt = i.now().UTC()
	}

	stored, err := i.store.Store(ctx, payload)
	if err != nil {
		i.metrics.RecordPostFailed(payload.Origin)
		i.events.LogFailure(logger.ErrorRejected, err,
			slog.String("source_id", payload.SourceID),
			slog.String("error_id", payload.ErrorID))
		return model.ErrorPayload{}, herrors.ErrStoreFailed(payload.SourceID, err)
	}

	i.mu.Lock()
	i.queue = append(i.queue, queued{payload: stored, enqueuedAt: i.now()})
	depth := len(i.queue)
	i.mu.Unlock()

	select {
	case i.signal <- struct{}{}:
	default:
	}

	i.metrics.RecordPosted(stored.Origin)
	i.metrics.UpdateGauges(depth, i.stream.Len())
	i.events.Logger().Debug("error accepted",
		slog.String("source_id", stored.SourceID),
		slog.String("type", stored.Error.Type),
		slog.Int64("sequence", stored.Sequence))

	return stored, nil
}

// Stream subscribes to live payloads. Only payloads published after the call
// are delivered; history comes from the backlog.
func (i *Inbox) Stream(name string) *stream.Subscription[model.ErrorPayload] {
	return i.stream.Subscribe(name)
}

// Tap calls fn synchronously for every payload fanned out after the call.
// fn must not block.
func (i *Inbox) Tap(name string, fn func(model.ErrorPayload)) *stream.Tap {
	return i.stream.Tap(name, fn)
}

// Len returns the number of payloads waiting for fan-out
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.queue)
}

// Subscribers returns the number of live subscribers
func (i *Inbox) Subscribers() int {
	return i.stream.Len()
}

// Running reports whether the worker accepts and delivers payloads
func (i *Inbox) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state == stateRunning
}

// Metrics returns the inbox metrics collector
func (i *Inbox) Metrics() *Metrics {
	return i.metrics
}

// Stop refuses new posts, delivers what is already queued and closes every
// subscription. If ctx ends first the worker is abandoned after its current
// item and ctx.Err() is returned; undelivered payloads remain in the backlog.
func (i *Inbox) Stop(ctx context.Context) error {
	// Wait for in-flight posts so their payloads are queued before draining
	i.postMu.Lock()
	i.mu.Lock()
	prev := i.state
	if prev == stateStopping || prev == stateStopped {
		i.mu.Unlock()
		i.postMu.Unlock()
		return nil
	}
	i.state = stateStopping
	pending := len(i.queue)
	i.mu.Unlock()
	i.postMu.Unlock()

	var err error
	if prev == stateRunning {
		select {
		case i.signal <- struct{}{}:
		default:
		}
		select {
		case <-i.done:
		case <-ctx.Done():
			close(i.abort)
			<-i.done
			err = ctx.Err()
		}
	}

	i.mu.Lock()
	i.state = stateStopped
	left := len(i.queue)
	i.queue = nil
	i.mu.Unlock()

	i.stream.Close()
	i.metrics.UpdateGauges(0, 0)
	i.events.LogEvent(logger.InboxStopped,
		slog.Int("pending_at_stop", pending),
		slog.Int("undelivered", left))

	return err
}

func (i *Inbox) closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state == stateStopping || i.state == stateStopped
}

func (i *Inbox) drain() {
	defer close(i.done)

	for {
		select {
		case <-i.abort:
			return
		default:
		}

		i.mu.Lock()
		if len(i.queue) == 0 {
			stopping := i.state == stateStopping
			i.mu.Unlock()
			if stopping {
				return
			}
			select {
			case <-i.signal:
			case <-i.abort:
				return
			}
			continue
		}
		item := i.queue[0]
		i.queue[0] = queued{}
		i.queue = i.queue[1:]
		depth := len(i.queue)
		i.mu.Unlock()

		subscribers := i.stream.Publish(item.payload)
		i.metrics.RecordDelivered(item.payload.Origin, i.now().Sub(item.enqueuedAt))
		i.metrics.UpdateGauges(depth, subscribers)
	}
}
