package federation

import (
	"context"

	"github.com/armorclaw/errorhub/pkg/model"
	"github.com/armorclaw/errorhub/pkg/stream"
)

// Poster accepts error payloads into the local engine
type Poster interface {
	Post(ctx context.Context, payload model.ErrorPayload) (model.ErrorPayload, error)
}

// ChangeApplier performs membership changes received from a peer
type ChangeApplier interface {
	Apply(ctx context.Context, change model.ClusterChange) error
}

// ErrorTapper exposes the live payload stream
type ErrorTapper interface {
	Tap(name string, fn func(model.ErrorPayload)) *stream.Tap
}

// ChangeTapper exposes the live membership change stream
type ChangeTapper interface {
	TapChanges(name string, fn func(model.ClusterChange)) *stream.Tap
}

// Sink re-injects inbound frames into the local engine. Work keeps its
// origin so that it is never sent back where it came from.
type Sink struct {
	Inbox  Poster
	Domain ChangeApplier
}

func (s Sink) apply(ctx context.Context, peer string, f Frame) error {
	switch f.Name {
	case FrameError:
		p := *f.Error
		p.Sequence = 0
		if p.Origin == "" {
			p.Origin = peer
		}
		_, err := s.Inbox.Post(model.WithOrigin(ctx, p.Origin), p)
		return err

	case FrameCluster:
		c := *f.Cluster
		if c.Origin == "" {
			c.Origin = peer
		}
		return s.Domain.Apply(model.WithOrigin(ctx, c.Origin), c)
	}
	return nil
}
