package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container metrics
	ContainersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pynchy_containers_active",
			Help: "Number of agent containers currently running",
		},
	)

	ContainersStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pynchy_containers_started_total",
			Help: "Total number of agent containers spawned",
		},
	)

	ContainerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pynchy_container_duration_seconds",
			Help:    "Agent container run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// IPC metrics
	IPCRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pynchy_ipc_requests_total",
			Help: "Total IPC requests dispatched by type",
		},
		[]string{"type"},
	)

	IPCRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pynchy_ipc_rejected_total",
			Help: "Total IPC files rejected before dispatch by reason",
		},
		[]string{"reason"},
	)

	// Security metrics
	SecurityDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pynchy_security_decisions_total",
			Help: "Total security gate decisions by verdict",
		},
		[]string{"verdict"},
	)

	CopInspections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pynchy_cop_inspections_total",
			Help: "Total Cop inspections by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	// Delivery metrics
	LedgerDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pynchy_ledger_deliveries_total",
			Help: "Total outbound ledger delivery attempts by channel and status",
		},
		[]string{"channel", "status"},
	)

	// MCP metrics
	ProxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pynchy_mcp_proxy_requests_total",
			Help: "Total MCP proxy requests by outcome",
		},
		[]string{"outcome"},
	)

	MCPInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pynchy_mcp_instances_active",
			Help: "Number of live MCP server instances",
		},
	)

	// Queue metrics
	QueueRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pynchy_queue_retries_total",
			Help: "Total group queue retry schedules",
		},
	)

	TaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pynchy_task_runs_total",
			Help: "Total scheduled task executions by status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(ContainersActive)
	prometheus.MustRegister(ContainersStarted)
	prometheus.MustRegister(ContainerDuration)
	prometheus.MustRegister(IPCRequests)
	prometheus.MustRegister(IPCRejected)
	prometheus.MustRegister(SecurityDecisions)
	prometheus.MustRegister(CopInspections)
	prometheus.MustRegister(LedgerDeliveries)
	prometheus.MustRegister(ProxyRequests)
	prometheus.MustRegister(MCPInstances)
	prometheus.MustRegister(QueueRetries)
	prometheus.MustRegister(TaskRuns)
}

// MetricsHandler returns the Prometheus scrape handler for GET /metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
