// Package model defines the values shared by every errorhub component:
// error payloads, membership graph nodes and relationships, deltas and recaps.
package model

import (
	"context"
	"time"
)

// Error describes a single error occurrence as reported by an application
type Error struct {
	Type    string `json:"type" msgpack:"type"`
	Message string `json:"message" msgpack:"message"`
	Detail  string `json:"detail" msgpack:"detail"`
}

// ErrorPayload is an error submitted on behalf of a source application.
// Payloads are never mutated once the backlog has assigned a sequence.
type ErrorPayload struct {
	SourceID string `json:"sourceId" msgpack:"sourceId"`
	Error    Error  `json:"error" msgpack:"error"`
	ErrorID  string `json:"errorId" msgpack:"errorId"`
	InfoURL  string `json:"infoUrl" msgpack:"infoUrl"`

	// Sequence is assigned by the backlog when the payload is stored
	Sequence int64 `json:"sequence,omitempty" msgpack:"sequence,omitempty"`
	// Origin is the instance that first accepted the payload
	Origin     string    `json:"origin,omitempty" msgpack:"origin,omitempty"`
	ReceivedAt time.Time `json:"receivedAt,omitempty" msgpack:"receivedAt,omitempty"`
}

// Key returns the (application, error type) pair counted by recaps
func (p ErrorPayload) Key() MeasureKey {
	return MeasureKey{Application: p.SourceID, Type: p.Error.Type}
}

// MeasureKey identifies a recap counter
type MeasureKey struct {
	Application string
	Type        string
}

// Recap is a point-in-time aggregate of error measures per application and type
type Recap struct {
	AsOf time.Time `json:"asOf" msgpack:"asOf"`
	// Watermark is the highest payload sequence reflected in the measures
	Watermark    int64              `json:"watermark" msgpack:"watermark"`
	Applications []RecapApplication `json:"applications" msgpack:"applications"`
}

// RecapApplication holds the measures of one application
type RecapApplication struct {
	Name  string      `json:"name" msgpack:"name"`
	Types []RecapType `json:"types" msgpack:"types"`
}

// RecapType holds the measure of one error type
type RecapType struct {
	Name    string `json:"name" msgpack:"name"`
	Measure int    `json:"measure" msgpack:"measure"`
}

// Measure returns the measure recorded for key, or zero
func (r Recap) Measure(key MeasureKey) int {
	for _, a := range r.Applications {
		if a.Name != key.Application {
			continue
		}
		for _, t := range a.Types {
			if t.Name == key.Type {
				return t.Measure
			}
		}
	}
	return 0
}

// ApplicationNames lists the applications covered by the recap
func (r Recap) ApplicationNames() []string {
	names := make([]string, 0, len(r.Applications))
	for _, a := range r.Applications {
		names = append(names, a.Name)
	}
	return names
}

// RecapAggregate is an incremental running measure for one (application, type) pair
type RecapAggregate struct {
	SourceID string `json:"sourceId" msgpack:"sourceId"`
	Type     string `json:"type" msgpack:"type"`
	Measure  int    `json:"measure" msgpack:"measure"`
}

type originKey struct{}

// WithOrigin marks ctx as carrying work that originated on the given instance
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFrom returns the origin stored by WithOrigin, if any
func OriginFrom(ctx context.Context) string {
	if v, ok := ctx.Value(originKey{}).(string); ok {
		return v
	}
	return ""
}
