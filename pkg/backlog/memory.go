package backlog

import (
	"context"
	"sync"
	"time"

	"github.com/armorclaw/errorhub/pkg/model"
)

// Memory is an in-process backlog guarded by a RWMutex
type Memory struct {
	mu       sync.RWMutex
	seq      int64
	records  []model.ErrorPayload
	byApp    map[string][]int
	counters map[model.MeasureKey]int
	now      func() time.Time
	closed   bool
}

// NewMemory creates an empty in-memory backlog
func NewMemory() *Memory {
	return &Memory{
		byApp:    make(map[string][]int),
		counters: make(map[model.MeasureKey]int),
		now:      time.Now,
	}
}

// Store implements Backlog
func (m *Memory) Store(ctx context.Context, payload model.ErrorPayload) (model.ErrorPayload, error) {
	if err := ctx.Err(); err != nil {
		return model.ErrorPayload{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return model.ErrorPayload{}, errClosed
	}

	m.seq++
	payload.Sequence = m.seq
	m.byApp[payload.SourceID] = append(m.byApp[payload.SourceID], len(m.records))
	m.records = append(m.records, payload)
	m.counters[payload.Key()]++

	return payload, nil
}

// GetApplicationsRecap implements Backlog
func (m *Memory) GetApplicationsRecap(ctx context.Context, apps []string, measure Measure) (model.Recap, error) {
	if err := ctx.Err(); err != nil {
		return model.Recap{}, err
	}
	apps = normalizeApps(apps)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return model.Recap{}, errClosed
	}

	measures := make(map[model.MeasureKey]int)
	if measure == nil {
		wanted := make(map[string]struct{}, len(apps))
		for _, a := range apps {
			wanted[a] = struct{}{}
		}
		for key, count := range m.counters {
			if _, ok := wanted[key.Application]; ok {
				measures[key] = count
			}
		}
	} else {
		var payloads []model.ErrorPayload
		for _, a := range apps {
			for _, idx := range m.byApp[a] {
				payloads = append(payloads, m.records[idx])
			}
		}
		measures = applyMeasure(payloads, measure)
	}

	return buildRecap(apps, measures, m.now().UTC(), m.seq), nil
}

// Since implements Backlog
func (m *Memory) Since(ctx context.Context, after int64, limit int) ([]model.ErrorPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// sequences are dense and start at 1, so record i holds sequence i+1
	start := int(after)
	if start < 0 {
		start = 0
	}
	if start >= len(m.records) {
		return []model.ErrorPayload{}, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	end := len(m.records)
	if start+limit < end {
		end = start + limit
	}
	out := make([]model.ErrorPayload, end-start)
	copy(out, m.records[start:end])
	return out, nil
}

// Stats implements Backlog
func (m *Memory) Stats(context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Errors:       int64(len(m.records)),
		Applications: len(m.byApp),
		LastSequence: m.seq,
	}, nil
}

// Ping implements Backlog
func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	return nil
}

// Close implements Backlog
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
