package query

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/logger"
	"github.com/armorclaw/errorhub/pkg/model"
	"github.com/armorclaw/errorhub/pkg/stream"
)

// Kind names a pipeline type
type Kind string

const (
	KindRecaps    Kind = "recaps"
	KindErrors    Kind = "errors"
	KindAllErrors Kind = "all-errors"
)

// ParseKind validates a configured query name
func ParseKind(name string) (Kind, error) {
	switch k := Kind(name); k {
	case KindRecaps, KindErrors:
		return k, nil
	}
	return "", herrors.ErrInvalidConfig("hub.queries", fmt.Sprintf("unknown query %q", name))
}

// event is one item of a pipeline mailbox; exactly one field is set
type event struct {
	app     *model.ClusterApplicationDelta
	member  *model.ClusterUserDelta
	payload *model.ErrorPayload
}

// Pipeline is a running query. It stops when Close is called, when its
// context ends, or when a notifier or the backlog fails.
type Pipeline struct {
	kind Kind
	user string
	log  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mailbox *stream.Mailbox[event]
	taps    []*stream.Tap

	done      chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once

	mu  sync.Mutex
	err error
}

func newPipeline(ctx context.Context, kind Kind, user string) *Pipeline {
	ctx, cancel := context.WithCancel(ctx)
	l := logger.Global().WithComponent("query")
	if user != "" {
		l = l.WithUser(user)
	}
	return &Pipeline{
		kind:    kind,
		user:    user,
		log:     l,
		ctx:     ctx,
		cancel:  cancel,
		mailbox: stream.NewMailbox[event](),
		done:    make(chan struct{}),
	}
}

func (p *Pipeline) name() string {
	if p.user == "" {
		return string(p.kind)
	}
	return string(p.kind) + ":" + p.user
}

// tapErrors routes live payloads into the mailbox
func (p *Pipeline) tapErrors(src ErrorSource) {
	p.taps = append(p.taps, src.Tap(p.name(), func(v model.ErrorPayload) {
		p.mailbox.Push(event{payload: &v})
	}))
}

// tapMembership routes both delta streams into the mailbox
func (p *Pipeline) tapMembership(m Membership) {
	p.taps = append(p.taps,
		m.TapClusterApplicationDeltas(p.name(), func(d model.ClusterApplicationDelta) {
			p.mailbox.Push(event{app: &d})
		}),
		m.TapClusterUserDeltas(p.name(), func(d model.ClusterUserDelta) {
			p.mailbox.Push(event{member: &d})
		}),
	)
}

// Kind returns the pipeline type
func (p *Pipeline) Kind() Kind { return p.kind }

// User returns the viewer, empty for unscoped pipelines
func (p *Pipeline) User() string { return p.user }

// Done is closed once the event loop has exited
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Err returns the failure that stopped the pipeline, if any
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close detaches the pipeline from its sources and waits for the event loop.
// No notification is delivered once Close returns. Close must not be called
// from inside a notifier.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.stop()
		<-p.done
	})
}

// stop detaches every source; safe from any goroutine
func (p *Pipeline) stop() {
	p.stopOnce.Do(func() {
		for _, t := range p.taps {
			t.Close()
		}
		p.cancel()
		p.mailbox.Close()
	})
}

// abort releases a pipeline whose loop never started
func (p *Pipeline) abort() {
	p.stop()
	close(p.done)
}

// run starts the event loop
func (p *Pipeline) run(handle func(event) error) {
	activePipelines.WithLabelValues(string(p.kind)).Inc()

	go func() {
		defer close(p.done)
		defer activePipelines.WithLabelValues(string(p.kind)).Dec()

		err := p.loop(handle)
		p.stop()
		if err == nil {
			return
		}

		p.mu.Lock()
		p.err = err
		p.mu.Unlock()

		pipelineFailures.WithLabelValues(string(p.kind)).Inc()
		p.log.Warn("pipeline stopped",
			slog.String("event", string(logger.PipelineStopped)),
			slog.String("kind", string(p.kind)),
			slog.String("error", err.Error()))
	}()
}

func (p *Pipeline) loop(handle func(event) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = herrors.ErrSubscriberFault(p.name(), fmt.Errorf("panic: %v", r))
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return nil
		case ev, ok := <-p.mailbox.C():
			if !ok {
				return nil
			}
			if err := handle(ev); err != nil {
				if p.ctx.Err() != nil {
					return nil
				}
				return herrors.ErrSubscriberFault(p.name(), err)
			}
		}
	}
}

// notify runs one notifier call unless the pipeline is stopping
func (p *Pipeline) notify(event string, fn func() error) error {
	if p.ctx.Err() != nil {
		return herrors.ErrPipelineClosed
	}
	if err := fn(); err != nil {
		return err
	}
	notificationsTotal.WithLabelValues(string(p.kind), event).Inc()
	return nil
}
