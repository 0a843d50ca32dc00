package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tftbridge"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "commands_total",
			Help:      "Inbound device commands by matched rule and reply kind.",
		},
		[]string{"rule", "reply"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "command_duration_seconds",
			Help:      "Time from reading a command to writing its reply.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"reply"},
	)
	backendCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "calls_total",
			Help:      "Backend calls by endpoint and result kind.",
		},
		[]string{"endpoint", "result"},
	)
	backendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "call_duration_seconds",
			Help:      "Backend call duration including retries.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	backendAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "call_attempts",
			Help:      "Transport attempts per backend call.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 11},
		},
		[]string{"endpoint"},
	)
	linkState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "state",
			Help:      "1 for the current state of each supervised link.",
		},
		[]string{"link", "state"},
	)
	linkTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "transitions_total",
			Help:      "Supervised link state transitions.",
		},
		[]string{"link", "to"},
	)
	telemetryLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "lines_total",
			Help:      "Unsolicited telemetry lines written to the device.",
		},
		[]string{"kind"},
	)
	limiterWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "waiting",
			Help:      "Calls waiting for a token.",
		},
	)
	limiterRejected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejected",
			Help:      "Calls refused by the limiter since start.",
		},
	)
	macrosKnown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "macros",
			Name:      "known",
			Help:      "Macros in the current registry snapshot.",
		},
	)
)

// linkStates lists every label value RecordLinkState resets.
var linkStates = []string{"disconnected", "connecting", "connected", "degraded"}

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			commands, commandDuration,
			backendCalls, backendDuration, backendAttempts,
			linkState, linkTransitions,
			telemetryLines,
			limiterWaiting, limiterRejected,
			macrosKnown,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCommand(rule, reply string, duration time.Duration) {
	RegisterMetrics()
	commands.WithLabelValues(rule, reply).Inc()
	commandDuration.WithLabelValues(reply).Observe(duration.Seconds())
}

func RecordBackendCall(endpoint, result string, attempts int, duration time.Duration) {
	RegisterMetrics()
	backendCalls.WithLabelValues(endpoint, result).Inc()
	backendDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
	backendAttempts.WithLabelValues(endpoint).Observe(float64(attempts))
}

// RecordLinkState marks state as the only active state of link.
func RecordLinkState(link, state string) {
	RegisterMetrics()
	for _, s := range linkStates {
		v := 0.0
		if s == state {
			v = 1
		}
		linkState.WithLabelValues(link, s).Set(v)
	}
	linkTransitions.WithLabelValues(link, state).Inc()
}

func RecordTelemetryLine(kind string) {
	RegisterMetrics()
	telemetryLines.WithLabelValues(kind).Inc()
}

func RecordLimiter(waiting int, rejected uint64) {
	RegisterMetrics()
	limiterWaiting.Set(float64(waiting))
	limiterRejected.Set(float64(rejected))
}

func RecordMacros(n int) {
	RegisterMetrics()
	macrosKnown.Set(float64(n))
}
