package outbox

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks outbox activity for one peer and mirrors it into Prometheus
type Metrics struct {
	peer       string
	enqueued   int64
	dequeued   int64
	acked      int64
	retried    int64
	dead       int64
	deadRetry  int64
	deadPurged int64
	mu         sync.RWMutex
}

// NewMetrics creates a metrics collector labelled with peer
func NewMetrics(peer string) *Metrics {
	return &Metrics{peer: peer}
}

// RecordEnqueued records a stored message
func (m *Metrics) RecordEnqueued() {
	m.mu.Lock()
	m.enqueued++
	m.mu.Unlock()
	msgsEnqueued.WithLabelValues(m.peer).Inc()
}

// RecordDequeued records a message handed to the sender
func (m *Metrics) RecordDequeued(waited time.Duration) {
	m.mu.Lock()
	m.dequeued++
	m.mu.Unlock()
	msgsDequeued.WithLabelValues(m.peer).Inc()
	msgWaitTime.WithLabelValues(m.peer).Observe(waited.Seconds())
}

// RecordAcked records a delivered message
func (m *Metrics) RecordAcked() {
	m.mu.Lock()
	m.acked++
	m.mu.Unlock()
	msgsAcked.WithLabelValues(m.peer).Inc()
}

// RecordRetried records a message scheduled for another attempt
func (m *Metrics) RecordRetried() {
	m.mu.Lock()
	m.retried++
	m.mu.Unlock()
	msgsRetried.WithLabelValues(m.peer).Inc()
}

// RecordDeadLettered records a message that ran out of attempts
func (m *Metrics) RecordDeadLettered() {
	m.mu.Lock()
	m.dead++
	m.mu.Unlock()
	msgsDead.WithLabelValues(m.peer).Inc()
}

// RecordDeadRetried records dead letters moved back to pending
func (m *Metrics) RecordDeadRetried(count int) {
	m.mu.Lock()
	m.deadRetry += int64(count)
	m.mu.Unlock()
	deadRetried.WithLabelValues(m.peer).Add(float64(count))
}

// RecordDeadPurged records dead letters deleted
func (m *Metrics) RecordDeadPurged(count int) {
	m.mu.Lock()
	m.deadPurged += int64(count)
	m.mu.Unlock()
	deadPurged.WithLabelValues(m.peer).Add(float64(count))
}

// UpdateGauges refreshes the depth gauges
func (m *Metrics) UpdateGauges(pending, inflight, failed int) {
	depth.WithLabelValues(m.peer, "pending").Set(float64(pending))
	depth.WithLabelValues(m.peer, "inflight").Set(float64(inflight))
	depth.WithLabelValues(m.peer, "failed").Set(float64(failed))
}

// GetSnapshot returns a snapshot of current counters
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int64{
		"enqueued":     m.enqueued,
		"dequeued":     m.dequeued,
		"acked":        m.acked,
		"retried":      m.retried,
		"dead":         m.dead,
		"dead_retried": m.deadRetry,
		"dead_purged":  m.deadPurged,
	}
}

var (
	msgsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_outbox_enqueued_total",
			Help: "Total number of messages enqueued",
		},
		[]string{"peer"},
	)

	msgsDequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_outbox_dequeued_total",
			Help: "Total number of messages dequeued",
		},
		[]string{"peer"},
	)

	msgsAcked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_outbox_acked_total",
			Help: "Total number of messages acknowledged",
		},
		[]string{"peer"},
	)

	msgsRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_outbox_retried_total",
			Help: "Total number of messages scheduled for retry",
		},
		[]string{"peer"},
	)

	msgsDead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_outbox_dead_letters_total",
			Help: "Total number of messages moved to the dead letter state",
		},
		[]string{"peer"},
	)

	deadRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_outbox_dead_letters_retried_total",
			Help: "Total number of dead letters moved back to pending",
		},
		[]string{"peer"},
	)

	deadPurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_outbox_dead_letters_purged_total",
			Help: "Total number of dead letters deleted",
		},
		[]string{"peer"},
	)

	depth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "errorhub_outbox_depth",
			Help: "Current number of messages per state",
		},
		[]string{"peer", "state"},
	)

	msgWaitTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "errorhub_outbox_wait_duration_seconds",
			Help:    "Time messages spend waiting in the outbox",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 60},
		},
		[]string{"peer"},
	)
)

// RegisterMetrics registers the outbox collectors with reg
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		msgsEnqueued, msgsDequeued, msgsAcked, msgsRetried, msgsDead,
		deadRetried, deadPurged, depth, msgWaitTime,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
