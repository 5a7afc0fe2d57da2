package query

import (
	"context"
	"sync"

	"github.com/armorclaw/errorhub/pkg/logger"
)

// Factory starts the configured frontend queries for each viewer
type Factory struct {
	Targets Targets
	Queries []Kind
}

// NewFactory builds a factory running queries, or recaps and errors when empty
func NewFactory(t Targets, queries ...Kind) *Factory {
	if len(queries) == 0 {
		queries = []Kind{KindRecaps, KindErrors}
	}
	return &Factory{Targets: t, Queries: queries}
}

// Session groups the pipelines of one viewer
type Session struct {
	user      string
	pipelines []*Pipeline

	stopped  chan struct{}
	stopOnce sync.Once
}

// Start runs every configured query for user, delivering to n. If one query
// fails to start the ones already running are closed.
func (f *Factory) Start(ctx context.Context, user string, n FrontendNotifier) (*Session, error) {
	t := f.Targets.withNotifier(n)
	s := &Session{user: user, stopped: make(chan struct{})}

	for _, kind := range f.Queries {
		var (
			p   *Pipeline
			err error
		)
		switch kind {
		case KindRecaps:
			p, err = RunRecaps(ctx, user, t)
		case KindErrors:
			p, err = RunErrors(ctx, user, t)
		default:
			_, err = ParseKind(string(kind))
		}
		if err != nil {
			s.Close()
			return nil, err
		}
		s.pipelines = append(s.pipelines, p)
	}

	for _, p := range s.pipelines {
		go func(p *Pipeline) {
			select {
			case <-p.Done():
				s.markStopped()
			case <-s.stopped:
			}
		}(p)
	}

	logger.Global().WithComponent("query").WithUser(user).Debug("session started",
		"queries", len(s.pipelines))
	return s, nil
}

// User returns the viewer
func (s *Session) User() string { return s.user }

// Pipelines returns the running pipelines
func (s *Session) Pipelines() []*Pipeline { return s.pipelines }

// Stopped is closed when any pipeline of the session has stopped
func (s *Session) Stopped() <-chan struct{} { return s.stopped }

// Err returns the first pipeline failure
func (s *Session) Err() error {
	for _, p := range s.pipelines {
		if err := p.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every pipeline of the session
func (s *Session) Close() {
	for _, p := range s.pipelines {
		p.Close()
	}
	s.markStopped()
}

func (s *Session) markStopped() {
	s.stopOnce.Do(func() { close(s.stopped) })
}
