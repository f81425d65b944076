package retry

import "github.com/prometheus/client_golang/prometheus"

var (
	requeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shopagent_requeued_total",
			Help: "Total number of failed tasks moved back to queued by the retry policy.",
		},
	)

	stuckTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shopagent_stuck_tasks",
			Help: "Number of tasks running longer than the stuck threshold at the last check.",
		},
	)
)

func init() {
	prometheus.MustRegister(requeuedTotal)
	prometheus.MustRegister(stuckTasks)
}
