package query

import "github.com/prometheus/client_golang/prometheus"

var (
	activePipelines = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "errorhub_query_pipelines",
			Help: "Running query pipelines",
		},
		[]string{"kind"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_query_notifications_total",
			Help: "Notifications handed to notifiers",
		},
		[]string{"kind", "event"},
	)

	pipelineFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_query_pipeline_failures_total",
			Help: "Pipelines stopped by a notifier or backlog failure",
		},
		[]string{"kind"},
	)
)

// RegisterMetrics registers the query collectors with reg
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{activePipelines, notificationsTotal, pipelineFailures} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
