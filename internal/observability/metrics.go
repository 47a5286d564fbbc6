package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rigsync",
			Subsystem: "session",
			Name:      "frames_received_total",
			Help:      "Inbound frames routed by type.",
		},
		[]string{"role", "type"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rigsync",
			Subsystem: "session",
			Name:      "decode_errors_total",
			Help:      "Inbound frames discarded as malformed.",
		},
		[]string{"role"},
	)
	reconnectsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rigsync",
			Subsystem: "session",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after transport loss.",
		},
		[]string{"role"},
	)
	authOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rigsync",
			Subsystem: "session",
			Name:      "auth_outcomes_total",
			Help:      "Handshake replies by outcome.",
		},
		[]string{"role", "outcome"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rigsync",
			Subsystem: "session",
			Name:      "commands_total",
			Help:      "Outbound commands by type and whether they were sent.",
		},
		[]string{"role", "type", "sent"},
	)
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rigsync",
			Subsystem: "session",
			Name:      "connection_state",
			Help:      "0=disconnected 1=connecting 2=connected.",
		},
		[]string{"role"},
	)
	controllerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rigsync",
			Subsystem: "controller",
			Name:      "http_requests_total",
			Help:      "HTTP requests served by the fake controller.",
		},
		[]string{"method", "path", "status"},
	)
	controllerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rigsync",
			Subsystem: "controller",
			Name:      "http_request_duration_seconds",
			Help:      "Fake controller HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesReceived,
			decodeErrors,
			reconnectsScheduled,
			authOutcomes,
			commands,
			connectionState,
			controllerRequests,
			controllerDuration,
		)
	})
}

func RecordFrame(role, msgType string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(role, msgType).Inc()
}

func RecordDecodeError(role string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(role).Inc()
}

func RecordReconnectScheduled(role string) {
	RegisterMetrics()
	reconnectsScheduled.WithLabelValues(role).Inc()
}

func RecordAuthOutcome(role, outcome string) {
	RegisterMetrics()
	authOutcomes.WithLabelValues(role, outcome).Inc()
}

func RecordCommand(role, msgType string, sent bool) {
	RegisterMetrics()
	commands.WithLabelValues(role, msgType, strconv.FormatBool(sent)).Inc()
}

func SetConnectionState(role string, state int) {
	RegisterMetrics()
	connectionState.WithLabelValues(role).Set(float64(state))
}

func RecordControllerRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	controllerRequests.WithLabelValues(method, path, statusLabel).Inc()
	controllerDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
