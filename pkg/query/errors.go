package query

import "context"

// RunErrors starts the live error pipeline of user: every payload of an
// application the user can currently see is forwarded verbatim.
func RunErrors(ctx context.Context, user string, t Targets) (*Pipeline, error) {
	p := newPipeline(ctx, KindErrors, user)
	p.tapMembership(t.Domain)
	p.tapErrors(t.Errors)

	view := t.Domain.UserView(user)
	vis := NewVisibility(view)
	version := view.Version
	n := t.Notifier

	p.run(func(ev event) error {
		switch {
		case ev.app != nil:
			if ev.app.Version > version {
				vis.OnClusterApplication(*ev.app)
			}
		case ev.member != nil:
			if ev.member.Version > version {
				vis.OnClusterUser(user, *ev.member)
			}
		case ev.payload != nil:
			if !vis.Visible(ev.payload.SourceID) {
				return nil
			}
			payload := *ev.payload
			return p.notify("error", func() error { return n.Error(user, payload) })
		}
		return nil
	})
	return p, nil
}

// RunAllErrors forwards every live payload to n regardless of membership.
// The backend uses it to relay errors to its peers.
func RunAllErrors(ctx context.Context, t Targets, n ErrorNotifier) (*Pipeline, error) {
	p := newPipeline(ctx, KindAllErrors, "")
	p.tapErrors(t.Errors)

	p.run(func(ev event) error {
		if ev.payload == nil {
			return nil
		}
		payload := *ev.payload
		return p.notify("error", func() error { return n.Error("", payload) })
	})
	return p, nil
}
