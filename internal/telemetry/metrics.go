package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Orchestrator API, labeled by route path ----
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smaug",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Orchestrator API requests by route, method and status code.",
		},
		[]string{"route", "method", "code"},
	)

	APILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smaug",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Orchestrator API latency, including forwarded node calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"route", "method"},
	)

	APIInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "smaug",
			Subsystem: "api",
			Name:      "requests_in_flight",
			Help:      "Orchestrator API requests being served.",
		},
		[]string{"route"},
	)

	// ---- Node links ----
	LinkConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "smaug",
			Subsystem: "link",
			Name:      "connected",
			Help:      "1 while the control socket to a node is open.",
		},
		[]string{"node"},
	)

	ConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smaug",
			Subsystem: "link",
			Name:      "connect_attempts_total",
			Help:      "Control socket dial attempts by result (ok, auth, transport).",
		},
		[]string{"result"},
	)

	ConnectivityChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smaug",
			Subsystem: "link",
			Name:      "connectivity_changes_total",
			Help:      "Connected/disconnected transitions across all nodes.",
		},
		[]string{"state"},
	)

	Frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smaug",
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Frames read from node sockets by kind (message, malformed, ignored).",
		},
		[]string{"kind"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "smaug",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "smaug",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

const (
	ResultOK        = "ok"
	ResultAuth      = "auth"
	ResultTransport = "transport"

	FrameMessage   = "message"
	FrameMalformed = "malformed"
	FrameIgnored   = "ignored"
)

func init() {
	Registry.MustRegister(APIRequests, APILatency, APIInFlight,
		LinkConnected, ConnectAttempts, ConnectivityChanges, Frames,
		buildInfo, uptime)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// SetLinkState records a connectivity transition for node.
func SetLinkState(node string, connected bool) {
	if connected {
		LinkConnected.WithLabelValues(node).Set(1)
		ConnectivityChanges.WithLabelValues("connected").Inc()
		return
	}
	LinkConnected.WithLabelValues(node).Set(0)
	ConnectivityChanges.WithLabelValues("disconnected").Inc()
}

// ForgetLink drops the per-node series once a node is removed.
func ForgetLink(node string) {
	LinkConnected.DeleteLabelValues(node)
}

// InstrumentRoute records APIRequests, APILatency and APIInFlight for the
// handler serving route, a path pattern such as "/links/{id}/hello".
func InstrumentRoute(route string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"route": route}
	return promhttp.InstrumentHandlerInFlight(APIInFlight.With(labels),
		promhttp.InstrumentHandlerDuration(APILatency.MustCurryWith(labels),
			promhttp.InstrumentHandlerCounter(APIRequests.MustCurryWith(labels), next)))
}
