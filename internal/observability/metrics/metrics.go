package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Currently registered websocket connections.",
		},
	)

	EventsPushedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_pushed_total",
			Help: "Outbound events delivered, by event type.",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Outbound events that failed to send, by event type.",
		},
		[]string{"type"},
	)

	DedupSuppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_dedup_suppressed_total",
			Help: "Duplicate message pushes suppressed by connection dedup windows.",
		},
	)

	PresenceEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_presence_events_total",
			Help: "Presence transitions fanned out, by event type.",
		},
		[]string{"type"},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_commands_total",
			Help: "Inbound commands processed, by command and result.",
		},
		[]string{"command", "result"},
	)

	ActiveCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_calls",
			Help: "Calls currently in a non-terminal state.",
		},
	)

	CallOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_call_outcomes_total",
			Help: "Terminal call transitions, by terminal state and reason.",
		},
		[]string{"state", "reason"},
	)

	GraceExpiriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_grace_expiries_total",
			Help: "Grace windows that expired into a connection-loss termination.",
		},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		ActiveConnections,
		EventsPushedTotal,
		EventsDroppedTotal,
		DedupSuppressedTotal,
		PresenceEventsTotal,
		CommandsTotal,
		ActiveCalls,
		CallOutcomesTotal,
		GraceExpiriesTotal,
	)
}
