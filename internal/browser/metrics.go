package browser

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for session opens.
const (
	openOK     = "ok"
	openFailed = "failed"
)

var (
	sessionOpenDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shopagent_session_open_seconds",
			Help:    "Duration from provider open request to a usable browser session, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shopagent_active_sessions",
			Help: "Number of open browser sessions, in use or warm.",
		},
	)

	sessionOpensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopagent_session_opens_total",
			Help: "Total number of browser session open attempts.",
		},
		[]string{"result"},
	)

	sessionsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shopagent_sessions_reaped_total",
			Help: "Total number of idle browser sessions closed by the reaper.",
		},
	)
)

func init() {
	prometheus.MustRegister(sessionOpenDuration)
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(sessionOpensTotal)
	prometheus.MustRegister(sessionsReapedTotal)

	for _, r := range []string{openOK, openFailed} {
		sessionOpensTotal.WithLabelValues(r)
	}
}
