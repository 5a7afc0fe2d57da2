package federation

import "github.com/prometheus/client_golang/prometheus"

var (
	connectedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "errorhub_federation_peers",
			Help: "Relays connected to this backend",
		},
	)

	upstreamConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "errorhub_federation_upstream_connected",
			Help: "1 while this relay is connected to its backend",
		},
	)

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_federation_frames_total",
			Help: "Frames exchanged on the bus",
		},
		[]string{"direction", "frame"},
	)

	frameFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_federation_frame_failures_total",
			Help: "Frames that could not be encoded, decoded or applied",
		},
		[]string{"direction"},
	)

	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "errorhub_federation_reconnects_total",
			Help: "Failed dial attempts of the relay",
		},
	)
)

// RegisterMetrics registers the federation collectors with reg
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{connectedPeers, upstreamConnected, frames, frameFailures, reconnects} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
