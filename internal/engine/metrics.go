package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopagent_tasks_total",
			Help: "Total number of task attempts finalized by this worker.",
		},
		[]string{"action", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shopagent_run_duration_seconds",
			Help:    "Duration of runs from creation to close, in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"action"},
	)

	storeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shopagent_store_failures_total",
			Help: "Total number of ledger writes that failed after a task was claimed.",
		},
	)

	failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopagent_attempt_failures_total",
			Help: "Total number of failed attempts by failure kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(storeFailuresTotal)
	prometheus.MustRegister(failuresTotal)

	for _, k := range []Kind{
		KindUnknownAction, KindInvalidPayload, KindSessionAcquire,
		KindHandlerTimeout, KindHandlerExecution, KindStoreError,
	} {
		failuresTotal.WithLabelValues(string(k))
	}
}
