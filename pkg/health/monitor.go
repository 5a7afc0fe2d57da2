// Package health runs periodic named checks against errorhub components
// (backlog, membership store, inbox, federation link) and keeps their last
// outcome for the /health endpoint.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/armorclaw/errorhub/pkg/logger"
)

// State is the outcome of a check
type State string

const (
	StateUnknown   State = "unknown"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
)

// Overall statuses reported by Snapshot
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// CheckFunc probes one component. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// CheckHealth holds the last outcome of a named check
type CheckHealth struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	FailureCount int       `json:"failureCount"`
	LastCheck    time.Time `json:"lastCheck"`
	LastHealthy  time.Time `json:"lastHealthy,omitempty"`
	LastError    string    `json:"lastError,omitempty"`

	check CheckFunc
	mu    sync.RWMutex
}

// Copy returns a copy of the CheckHealth without the mutex
func (h *CheckHealth) Copy() *CheckHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return &CheckHealth{
		Name:         h.Name,
		State:        h.State,
		FailureCount: h.FailureCount,
		LastCheck:    h.LastCheck,
		LastHealthy:  h.LastHealthy,
		LastError:    h.LastError,
	}
}

// Report is a point-in-time view of every check
type Report struct {
	Status    string         `json:"status"`
	CheckedAt time.Time      `json:"checkedAt"`
	Checks    []*CheckHealth `json:"checks"`
}

// Healthy reports whether no check is failing
func (r Report) Healthy() bool { return r.Status == StatusOK }

// FailureHandler is called when a check reaches MaxFailures consecutive failures
type FailureHandler func(name, reason string)

// MonitorConfig holds configuration for health monitoring
type MonitorConfig struct {
	CheckInterval time.Duration // How often to run the checks
	Timeout       time.Duration // Deadline of a single check
	MaxFailures   int           // Consecutive failures before the failure handler runs
}

// DefaultMonitorConfig returns default monitoring configuration
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval: 30 * time.Second,
		Timeout:       5 * time.Second,
		MaxFailures:   3,
	}
}

// Monitor runs registered checks periodically
type Monitor struct {
	checkInterval time.Duration
	timeout       time.Duration
	maxFailures   int

	mu        sync.RWMutex
	checks    map[string]*CheckHealth
	onFailure FailureHandler
	running   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events *logger.EventLogger
}

// NewMonitor creates a health monitor
func NewMonitor(config MonitorConfig) *Monitor {
	defaults := DefaultMonitorConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = defaults.MaxFailures
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		checkInterval: config.CheckInterval,
		timeout:       config.Timeout,
		maxFailures:   config.MaxFailures,
		checks:        make(map[string]*CheckHealth),
		ctx:           ctx,
		cancel:        cancel,
		events:        logger.NewEventLogger(logger.Global().WithComponent("health")),
	}
}

// SetFailureHandler sets a custom handler for failing checks
func (m *Monitor) SetFailureHandler(handler FailureHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailure = handler
}

// Register adds or replaces a named check
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = &CheckHealth{Name: name, State: StateUnknown, check: check}
}

// Unregister removes a check
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// Start runs every check once and then periodically until Stop
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	m.running = true

	m.wg.Add(1)
	go m.monitorLoop()

	m.events.LogEvent(logger.HealthMonitorStarted,
		slog.Duration("check_interval", m.checkInterval),
		slog.Int("checks", len(m.checks)))
	return nil
}

// Stop stops the periodic checks
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	wasRunning := m.running
	m.running = false
	m.mu.Unlock()
	if wasRunning {
		m.events.LogEvent(logger.HealthMonitorStopped)
	}
}

func (m *Monitor) monitorLoop() {
	defer m.wg.Done()

	m.CheckNow(m.ctx)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(m.ctx)
		}
	}
}

// CheckNow runs every check synchronously and returns the resulting report
func (m *Monitor) CheckNow(ctx context.Context) Report {
	m.mu.RLock()
	checks := make([]*CheckHealth, 0, len(m.checks))
	for _, h := range m.checks {
		checks = append(checks, h)
	}
	m.mu.RUnlock()

	for _, h := range checks {
		m.run(ctx, h)
	}
	return m.Snapshot()
}

func (m *Monitor) run(ctx context.Context, h *CheckHealth) {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := safeCheck(cctx, h.check)
	cancel()

	now := time.Now()
	h.mu.Lock()
	h.LastCheck = now
	wasUnhealthy := h.State == StateUnhealthy
	if err == nil {
		h.State = StateHealthy
		h.FailureCount = 0
		h.LastHealthy = now
		h.LastError = ""
		h.mu.Unlock()
		if wasUnhealthy {
			m.events.LogEvent(logger.HealthCheckRecovered, slog.String("check", h.Name))
		}
		return
	}

	h.State = StateUnhealthy
	h.FailureCount++
	h.LastError = err.Error()
	failures := h.FailureCount
	h.mu.Unlock()

	m.events.LogEvent(logger.HealthCheckFailed,
		slog.String("check", h.Name),
		slog.String("error", err.Error()),
		slog.Int("failure_count", failures))

	if failures == m.maxFailures {
		m.handleFailure(h.Name, err)
	}
}

func safeCheck(ctx context.Context, check CheckFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	return check(ctx)
}

func (m *Monitor) handleFailure(name string, err error) {
	m.mu.RLock()
	handler := m.onFailure
	m.mu.RUnlock()

	if handler != nil {
		handler(name, fmt.Sprintf("%d consecutive failures: %v", m.maxFailures, err))
	}
}

// GetHealth returns the last outcome of a check
func (m *Monitor) GetHealth(name string) (*CheckHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.checks[name]
	if !ok {
		return nil, false
	}
	return h.Copy(), true
}

// Snapshot returns the last outcome of every check, sorted by name
func (m *Monitor) Snapshot() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := Report{Status: StatusOK, Checks: make([]*CheckHealth, 0, len(m.checks))}
	for _, h := range m.checks {
		c := h.Copy()
		if c.State == StateUnhealthy {
			report.Status = StatusDegraded
		}
		if c.LastCheck.After(report.CheckedAt) {
			report.CheckedAt = c.LastCheck
		}
		report.Checks = append(report.Checks, c)
	}
	sort.Slice(report.Checks, func(i, j int) bool { return report.Checks[i].Name < report.Checks[j].Name })
	return report
}

// GetStats returns monitoring statistics
func (m *Monitor) GetStats() map[string]interface{} {
	report := m.Snapshot()

	stats := map[string]interface{}{
		"checks":         len(report.Checks),
		"check_interval": m.checkInterval.String(),
		"max_failures":   m.maxFailures,
	}

	healthy, unhealthy, unknown := 0, 0, 0
	for _, c := range report.Checks {
		switch c.State {
		case StateHealthy:
			healthy++
		case StateUnhealthy:
			unhealthy++
		default:
			unknown++
		}
	}
	stats["healthy"] = healthy
	stats["unhealthy"] = unhealthy
	stats["unknown"] = unknown
	return stats
}
