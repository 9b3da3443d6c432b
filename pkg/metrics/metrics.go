package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_http_requests_total",
			Help: "Total number of HTTP requests by method, route and envelope status",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Process metrics
	ProcessesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_processes_running",
			Help: "Number of processes currently running",
		},
	)

	ProcessesStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_processes_started_total",
			Help: "Total number of processes started",
		},
	)

	ProcessesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_processes_failed_total",
			Help: "Total number of processes that failed to start",
		},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_sessions_active",
			Help: "Number of active shell sessions",
		},
	)

	SessionCommands = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_session_commands_total",
			Help: "Total number of commands executed in sessions",
		},
	)

	// Log streaming metrics
	HubClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_hub_clients",
			Help: "Number of connected WebSocket clients",
		},
	)

	HubSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_hub_subscriptions",
			Help: "Number of live log subscriptions",
		},
	)

	HubDroppedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_hub_dropped_frames_total",
			Help: "Total log frames dropped because a subscriber was too slow",
		},
	)

	LogLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_log_lines_total",
			Help: "Total log lines captured by target kind",
		},
		[]string{"kind"},
	)

	// File metrics
	FileOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_file_operations_total",
			Help: "Total file operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(ProcessesRunning)
	prometheus.MustRegister(ProcessesStarted)
	prometheus.MustRegister(ProcessesFailed)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionCommands)
	prometheus.MustRegister(HubClients)
	prometheus.MustRegister(HubSubscriptions)
	prometheus.MustRegister(HubDroppedFrames)
	prometheus.MustRegister(LogLines)
	prometheus.MustRegister(FileOperations)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
