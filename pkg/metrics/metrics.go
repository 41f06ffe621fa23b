package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detoxgate_requests_total",
			Help: "Total number of client requests by method and route taken.",
		},
		[]string{"method", "route"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detoxgate_request_duration_seconds",
			Help:    "Request duration in seconds, including tunnel lifetime for CONNECT.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	BytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detoxgate_bytes_sent_total",
			Help: "Total bytes sent to clients.",
		},
		[]string{"route"},
	)

	BytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detoxgate_bytes_received_total",
			Help: "Total bytes received from clients.",
		},
		[]string{"route"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "detoxgate_active_sessions",
			Help: "Number of currently open client connections.",
		},
	)

	PACEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detoxgate_pac_evaluations_total",
			Help: "PAC evaluations by outcome.",
		},
		[]string{"result"},
	)

	PACReloadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detoxgate_pac_reload_total",
			Help: "Count of PAC script reloads.",
		},
		[]string{"status"},
	)

	CandidateFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detoxgate_candidate_failures_total",
			Help: "Count of failed attempts to use a proxy candidate.",
		},
		[]string{"kind", "upstream"},
	)

	AuthHandshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detoxgate_auth_handshakes_total",
			Help: "Upstream proxy authentication handshakes by scheme and result.",
		},
		[]string{"scheme", "result"},
	)

	PoolReuse = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "detoxgate_pool_reused_connections_total",
			Help: "Upstream connections served from the idle pool.",
		},
	)
)

// All collects all metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		BytesSent,
		BytesReceived,
		ActiveSessions,
		PACEvaluations,
		PACReloadTotal,
		CandidateFailures,
		AuthHandshakes,
		PoolReuse,
	}
}

// RegisterOn registers all metrics on the given registry.
func RegisterOn(reg prometheus.Registerer) {
	for _, c := range All() {
		reg.MustRegister(c)
	}
}

// Register registers all metrics on the default registry.
func Register() {
	RegisterOn(prometheus.DefaultRegisterer)
}
