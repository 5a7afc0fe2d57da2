package hub

import "github.com/prometheus/client_golang/prometheus"

var (
	connectedViewers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "errorhub_hub_viewers",
			Help: "Connected viewer websockets",
		},
	)

	sentMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_hub_messages_total",
			Help: "Events queued to viewers",
		},
		[]string{"event"},
	)

	droppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_hub_dropped_messages_total",
			Help: "Events not delivered to a viewer",
		},
		[]string{"reason"},
	)
)

// RegisterMetrics registers the hub collectors with reg
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{connectedViewers, sentMessages, droppedMessages} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
