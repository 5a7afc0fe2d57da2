package inbox

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks inbox throughput and mirrors it into Prometheus
type Metrics struct {
	posted     int64
	postFailed int64
	delivered  int64
	rejected   int64
	mu         sync.RWMutex
}

// NewMetrics creates a metrics collector
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordPosted records a payload stored and enqueued
func (m *Metrics) RecordPosted(origin string) {
	m.mu.Lock()
	m.posted++
	m.mu.Unlock()
	postedTotal.WithLabelValues(origin).Inc()
}

// RecordPostFailed records a payload the backlog refused
func (m *Metrics) RecordPostFailed(origin string) {
	m.mu.Lock()
	m.postFailed++
	m.mu.Unlock()
	postFailures.WithLabelValues(origin).Inc()
}

// RecordRejected records a post refused because the inbox is stopped
func (m *Metrics) RecordRejected() {
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
	postFailures.WithLabelValues("closed").Inc()
}

// RecordDelivered records a payload handed to the live stream
func (m *Metrics) RecordDelivered(origin string, waited time.Duration) {
	m.mu.Lock()
	m.delivered++
	m.mu.Unlock()
	deliveredTotal.WithLabelValues(origin).Inc()
	deliveryLatency.WithLabelValues(origin).Observe(waited.Seconds())
}

// UpdateGauges refreshes the depth and subscriber gauges
func (m *Metrics) UpdateGauges(depth, subscribers int) {
	queueDepth.Set(float64(depth))
	subscriberCount.Set(float64(subscribers))
}

// GetSnapshot returns a snapshot of current counters
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int64{
		"posted":      m.posted,
		"post_failed": m.postFailed,
		"delivered":   m.delivered,
		"rejected":    m.rejected,
	}
}

// RegisterMetrics registers the inbox collectors with reg
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		postedTotal, postFailures, deliveredTotal, queueDepth, subscriberCount, deliveryLatency,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

var (
	postedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_inbox_posted_total",
			Help: "Total number of error payloads stored and enqueued",
		},
		[]string{"origin"},
	)

	postFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_inbox_post_failures_total",
			Help: "Total number of posts that failed to persist or were refused",
		},
		[]string{"origin"},
	)

	deliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_inbox_delivered_total",
			Help: "Total number of payloads published to live subscribers",
		},
		[]string{"origin"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "errorhub_inbox_depth",
			Help: "Payloads stored but not yet published",
		},
	)

	subscriberCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "errorhub_inbox_subscribers",
			Help: "Current live stream subscribers",
		},
	)

	deliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "errorhub_inbox_delivery_seconds",
			Help:    "Time between post and publication to the live stream",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"origin"},
	)
)
