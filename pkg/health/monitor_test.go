package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_CheckNow(t *testing.T) {
	m := NewMonitor(MonitorConfig{})
	m.Register("backlog", func(context.Context) error { return nil })
	m.Register("bus", func(context.Context) error { return errors.New("not connected") })

	report := m.CheckNow(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.False(t, report.Healthy())
	require.Len(t, report.Checks, 2)

	assert.Equal(t, "backlog", report.Checks[0].Name)
	assert.Equal(t, StateHealthy, report.Checks[0].State)
	assert.Equal(t, "bus", report.Checks[1].Name)
	assert.Equal(t, StateUnhealthy, report.Checks[1].State)
	assert.Equal(t, "not connected", report.Checks[1].LastError)
	assert.Equal(t, 1, report.Checks[1].FailureCount)
}

func TestMonitor_UnknownBeforeFirstRun(t *testing.T) {
	m := NewMonitor(MonitorConfig{})
	m.Register("inbox", func(context.Context) error { return nil })

	h, ok := m.GetHealth("inbox")
	require.True(t, ok)
	assert.Equal(t, StateUnknown, h.State)
	assert.True(t, m.Snapshot().Healthy())

	_, ok = m.GetHealth("missing")
	assert.False(t, ok)
}

func TestMonitor_FailureHandlerAndRecovery(t *testing.T) {
	m := NewMonitor(MonitorConfig{MaxFailures: 2})

	var failing atomic.Bool
	failing.Store(true)
	m.Register("store", func(context.Context) error {
		if failing.Load() {
			return errors.New("disk full")
		}
		return nil
	})

	var mu sync.Mutex
	var calls []string
	m.SetFailureHandler(func(name, reason string) {
		mu.Lock()
		calls = append(calls, name+": "+reason)
		mu.Unlock()
	})

	ctx := context.Background()
	m.CheckNow(ctx)
	m.CheckNow(ctx)
	m.CheckNow(ctx)

	mu.Lock()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "disk full")
	mu.Unlock()

	failing.Store(false)
	report := m.CheckNow(ctx)
	assert.True(t, report.Healthy())
	h, _ := m.GetHealth("store")
	assert.Zero(t, h.FailureCount)
	assert.Empty(t, h.LastError)
	assert.False(t, h.LastHealthy.IsZero())
}

func TestMonitor_CheckTimeoutAndPanic(t *testing.T) {
	m := NewMonitor(MonitorConfig{Timeout: 20 * time.Millisecond})
	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m.Register("broken", func(context.Context) error { panic("boom") })

	report := m.CheckNow(context.Background())
	require.Len(t, report.Checks, 2)
	assert.Contains(t, report.Checks[0].LastError, "panicked")
	assert.Contains(t, report.Checks[1].LastError, "deadline")
}

func TestMonitor_StartRunsPeriodically(t *testing.T) {
	m := NewMonitor(MonitorConfig{CheckInterval: 10 * time.Millisecond})
	var runs atomic.Int32
	m.Register("inbox", func(context.Context) error {
		runs.Add(1)
		return nil
	})

	require.NoError(t, m.Start())
	require.NoError(t, m.Start())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	m.Stop()

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestMonitor_UnregisterAndStats(t *testing.T) {
	m := NewMonitor(MonitorConfig{})
	m.Register("a", func(context.Context) error { return nil })
	m.Register("b", func(context.Context) error { return errors.New("down") })
	m.CheckNow(context.Background())

	stats := m.GetStats()
	assert.Equal(t, 2, stats["checks"])
	assert.Equal(t, 1, stats["healthy"])
	assert.Equal(t, 1, stats["unhealthy"])

	m.Unregister("b")
	assert.True(t, m.Snapshot().Healthy())
}
