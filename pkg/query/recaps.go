package query

import (
	"context"

	"github.com/armorclaw/errorhub/pkg/model"
)

type recapQuery struct {
	p       *Pipeline
	targets Targets
	vis     *Visibility

	// version of the initial view; older deltas are already reflected
	version   uint64
	watermark int64
	counters  map[model.MeasureKey]int
}

// RunRecaps starts the recap pipeline of user. The initial recap and
// application set are delivered before RunRecaps returns; afterwards the
// viewer receives a fresh recap on every visibility change and a running
// measure for every visible error.
func RunRecaps(ctx context.Context, user string, t Targets) (*Pipeline, error) {
	p := newPipeline(ctx, KindRecaps, user)
	p.tapMembership(t.Domain)
	p.tapErrors(t.Errors)

	view := t.Domain.UserView(user)
	q := &recapQuery{
		p:       p,
		targets: t,
		vis:     NewVisibility(view),
		version: view.Version,
	}

	recap, err := q.recap(ctx)
	if err != nil {
		p.abort()
		return nil, err
	}
	if err := p.notify("recap", func() error { return t.Notifier.Recap(user, recap) }); err != nil {
		p.abort()
		return nil, err
	}
	apps := q.vis.Applications()
	if err := p.notify("applications", func() error { return t.Notifier.Applications(user, apps, []string{}) }); err != nil {
		p.abort()
		return nil, err
	}

	p.run(q.handle)
	return p, nil
}

func (q *recapQuery) handle(ev event) error {
	switch {
	case ev.app != nil:
		if ev.app.Version <= q.version {
			return nil
		}
		return q.changed(q.vis.OnClusterApplication(*ev.app))

	case ev.member != nil:
		if ev.member.Version <= q.version {
			return nil
		}
		return q.changed(q.vis.OnClusterUser(q.p.user, *ev.member))

	case ev.payload != nil:
		return q.measure(*ev.payload)
	}
	return nil
}

// recap reads the backlog for the visible set and reseeds the counters
func (q *recapQuery) recap(ctx context.Context) (model.Recap, error) {
	recap, err := q.targets.Backlog.GetApplicationsRecap(ctx, q.vis.Applications(), q.targets.Measure)
	if err != nil {
		return model.Recap{}, err
	}

	q.watermark = recap.Watermark
	q.counters = make(map[model.MeasureKey]int)
	for _, app := range recap.Applications {
		for _, typ := range app.Types {
			q.counters[model.MeasureKey{Application: app.Name, Type: typ.Name}] = typ.Measure
		}
	}
	return recap, nil
}

func (q *recapQuery) changed(added, removed []string) error {
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	if added == nil {
		added = []string{}
	}
	if removed == nil {
		removed = []string{}
	}

	recap, err := q.recap(q.p.ctx)
	if err != nil {
		return err
	}

	user, n := q.p.user, q.targets.Notifier
	if err := q.p.notify("applications", func() error { return n.Applications(user, added, removed) }); err != nil {
		return err
	}
	return q.p.notify("recap", func() error { return n.Recap(user, recap) })
}

func (q *recapQuery) measure(payload model.ErrorPayload) error {
	if payload.Sequence != 0 && payload.Sequence <= q.watermark {
		return nil
	}
	if !q.vis.Visible(payload.SourceID) {
		return nil
	}

	key := payload.Key()
	q.counters[key]++
	agg := model.RecapAggregate{SourceID: key.Application, Type: key.Type, Measure: q.counters[key]}

	user, n := q.p.user, q.targets.Notifier
	return q.p.notify("measure", func() error { return n.Measure(user, agg) })
}
