// Package query runs the per-viewer pipelines that turn the live error stream
// and the membership deltas into notifications.
//
// Every pipeline funnels its sources into one mailbox through synchronous
// taps, so it observes deltas and errors in the order they were published.
// The taps are registered before the initial snapshot is read; events already
// reflected in the snapshot are recognized by their delta version or payload
// sequence and dropped.
package query

import (
	"context"

	"github.com/armorclaw/errorhub/pkg/backlog"
	"github.com/armorclaw/errorhub/pkg/domain"
	"github.com/armorclaw/errorhub/pkg/model"
	"github.com/armorclaw/errorhub/pkg/stream"
)

// ErrorNotifier receives live payloads
type ErrorNotifier interface {
	Error(user string, payload model.ErrorPayload) error
}

// RecapNotifier receives recap snapshots and running measures
type RecapNotifier interface {
	Recap(user string, recap model.Recap) error
	Measure(user string, aggregate model.RecapAggregate) error
}

// ApplicationsNotifier receives changes of the visible application set
type ApplicationsNotifier interface {
	Applications(user string, added, removed []string) error
}

// FrontendNotifier is everything a connected viewer can be told
type FrontendNotifier interface {
	ErrorNotifier
	RecapNotifier
	ApplicationsNotifier
}

// ErrorSource is the live error stream
type ErrorSource interface {
	Tap(name string, fn func(model.ErrorPayload)) *stream.Tap
}

// RecapSource answers recap queries
type RecapSource interface {
	GetApplicationsRecap(ctx context.Context, apps []string, measure backlog.Measure) (model.Recap, error)
}

// Membership exposes the graph views and delta streams a pipeline tracks
type Membership interface {
	UserView(user string) domain.View
	TapClusterApplicationDeltas(name string, fn func(model.ClusterApplicationDelta)) *stream.Tap
	TapClusterUserDeltas(name string, fn func(model.ClusterUserDelta)) *stream.Tap
}

// Targets bundles the collaborators of a pipeline
type Targets struct {
	Errors   ErrorSource
	Backlog  RecapSource
	Domain   Membership
	Notifier FrontendNotifier

	// Measure aggregates recaps; nil reads the backlog counters
	Measure backlog.Measure
}

// withNotifier returns a copy of t delivering to n
func (t Targets) withNotifier(n FrontendNotifier) Targets {
	t.Notifier = n
	return t
}
