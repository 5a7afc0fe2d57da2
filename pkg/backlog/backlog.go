// Package backlog persists submitted error payloads together with their
// per-application, per-type counters and answers point-in-time recap queries.
package backlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/armorclaw/errorhub/pkg/config"
	"github.com/armorclaw/errorhub/pkg/model"
)

var errClosed = errors.New("backlog is closed")

// Measure aggregates the payloads of one (application, type) pair
type Measure func(payloads []model.ErrorPayload) int

// Count is the default measure
func Count(payloads []model.ErrorPayload) int {
	return len(payloads)
}

// Backlog is the durable source of truth for error counts
type Backlog interface {
	// Store records the payload, assigns its sequence and bumps its counter
	// in one atomic step.
	Store(ctx context.Context, payload model.ErrorPayload) (model.ErrorPayload, error)

	// GetApplicationsRecap returns the measures of apps as of one instant.
	// A nil measure means Count.
	GetApplicationsRecap(ctx context.Context, apps []string, measure Measure) (model.Recap, error)

	// Since returns up to limit payloads with a sequence above after, oldest first
	Since(ctx context.Context, after int64, limit int) ([]model.ErrorPayload, error)

	// Stats summarizes the backlog content
	Stats(ctx context.Context) (Stats, error)

	// Ping checks that the storage is reachable
	Ping(ctx context.Context) error

	Close() error
}

// Stats summarizes a backlog
type Stats struct {
	Errors       int64 `json:"errors"`
	Applications int   `json:"applications"`
	LastSequence int64 `json:"lastSequence"`
}

// Open creates the backlog selected by cfg
func Open(cfg config.BacklogConfig) (Backlog, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case DialectSQLite, DialectSQLite3, DialectPostgres:
		return OpenSQL(cfg.Driver, cfg.DSN, cfg.MaxOpenConns)
	default:
		return nil, fmt.Errorf("unknown backlog driver %q", cfg.Driver)
	}
}

// normalizeApps removes duplicates and empty names and sorts the result
func normalizeApps(apps []string) []string {
	seen := make(map[string]struct{}, len(apps))
	out := make([]string, 0, len(apps))
	for _, a := range apps {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// buildRecap lays out measures for apps, which must be normalized.
// Applications without measures appear with an empty type list.
func buildRecap(apps []string, measures map[model.MeasureKey]int, asOf time.Time, watermark int64) model.Recap {
	byApp := make(map[string][]model.RecapType, len(apps))
	for key, m := range measures {
		byApp[key.Application] = append(byApp[key.Application], model.RecapType{Name: key.Type, Measure: m})
	}

	recap := model.Recap{
		AsOf:         asOf,
		Watermark:    watermark,
		Applications: make([]model.RecapApplication, 0, len(apps)),
	}
	for _, app := range apps {
		types := byApp[app]
		if types == nil {
			types = []model.RecapType{}
		}
		sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
		recap.Applications = append(recap.Applications, model.RecapApplication{Name: app, Types: types})
	}
	return recap
}

// applyMeasure groups payloads by key and evaluates measure per group
func applyMeasure(payloads []model.ErrorPayload, measure Measure) map[model.MeasureKey]int {
	groups := make(map[model.MeasureKey][]model.ErrorPayload)
	for _, p := range payloads {
		groups[p.Key()] = append(groups[p.Key()], p)
	}
	out := make(map[model.MeasureKey]int, len(groups))
	for key, group := range groups {
		out[key] = measure(group)
	}
	return out
}
