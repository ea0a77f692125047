package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aurora_servers_total",
			Help: "Total number of servers by activity",
		},
		[]string{"active"},
	)

	RulesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aurora_rules_total",
			Help: "Total number of forward rules by status",
		},
		[]string{"status"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aurora_queue_depth",
			Help: "Current number of jobs by queue state",
		},
		[]string{"state"},
	)

	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurora_jobs_enqueued_total",
			Help: "Total number of jobs enqueued by name",
		},
		[]string{"name"},
	)

	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurora_jobs_processed_total",
			Help: "Total number of jobs processed by name and outcome",
		},
		[]string{"name", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aurora_job_duration_seconds",
			Help:    "Job handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)

	// Reconciler metrics
	PlansExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurora_plans_executed_total",
			Help: "Total number of action plans executed by outcome",
		},
		[]string{"outcome"},
	)

	PlanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aurora_plan_duration_seconds",
			Help:    "Action plan execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Connector metrics
	SSHConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurora_ssh_connects_total",
			Help: "Total number of SSH connection attempts by outcome",
		},
		[]string{"outcome"},
	)

	RemoteCommands = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurora_remote_commands_total",
			Help: "Total number of remote commands executed",
		},
	)

	// Traffic metrics
	TrafficCollections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurora_traffic_collections_total",
			Help: "Total number of per-server traffic collections",
		},
	)

	PortDownloadBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aurora_port_download_bytes",
			Help: "Current accumulated download bytes per port",
		},
		[]string{"server", "port"},
	)

	PortUploadBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aurora_port_upload_bytes",
			Help: "Current accumulated upload bytes per port",
		},
		[]string{"server", "port"},
	)

	LimitActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurora_limit_actions_total",
			Help: "Total number of enforcement actions taken by kind",
		},
		[]string{"action"},
	)

	// Host stats gauges
	ServerCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aurora_server_cpu_percent",
			Help: "Sampled CPU usage per server",
		},
		[]string{"server"},
	)

	ServerMemoryPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aurora_server_memory_percent",
			Help: "Sampled memory usage per server",
		},
		[]string{"server"},
	)

	ServerDiskPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aurora_server_disk_percent",
			Help: "Sampled root disk usage per server",
		},
		[]string{"server"},
	)

	// Stream bus metrics
	StreamMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurora_stream_messages_total",
			Help: "Total number of messages published on the stream bus",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurora_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aurora_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ServersTotal)
	prometheus.MustRegister(RulesTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsProcessed)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(PlansExecuted)
	prometheus.MustRegister(PlanDuration)
	prometheus.MustRegister(SSHConnects)
	prometheus.MustRegister(RemoteCommands)
	prometheus.MustRegister(TrafficCollections)
	prometheus.MustRegister(PortDownloadBytes)
	prometheus.MustRegister(PortUploadBytes)
	prometheus.MustRegister(LimitActions)
	prometheus.MustRegister(ServerCPUPercent)
	prometheus.MustRegister(ServerMemoryPercent)
	prometheus.MustRegister(ServerDiskPercent)
	prometheus.MustRegister(StreamMessages)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
