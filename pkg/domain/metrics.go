package domain

import "github.com/prometheus/client_golang/prometheus"

var (
	mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_membership_mutations_total",
			Help: "Committed membership mutations by operation",
		},
		[]string{"op"},
	)

	mutationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errorhub_membership_mutation_failures_total",
			Help: "Membership mutations rejected by the store",
		},
		[]string{"op"},
	)

	graphSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "errorhub_membership_nodes",
			Help: "Number of clusters, applications and users in the membership graph",
		},
		[]string{"kind"},
	)
)

// RegisterMetrics registers the membership collectors with reg
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{mutationsTotal, mutationFailures, graphSize} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
