package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exaworker_workers_total",
			Help: "Number of worker records by type, status and health state",
		},
		[]string{"type", "status", "state"},
	)

	RequestsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exaworker_requests_total",
			Help: "Number of stored job requests by status",
		},
		[]string{"status"},
	)

	WorkersSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exaworker_workers_spawned_total",
			Help: "Total number of worker processes spawned by the factory",
		},
	)

	ReconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exaworker_reconcile_actions_total",
			Help: "Reconciliation outcomes by kind",
		},
		[]string{"outcome"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "exaworker_reconcile_duration_seconds",
			Help:    "Duration of a factory reconciliation sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	DanglingRequestsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exaworker_dangling_requests_swept_total",
			Help: "Job requests forced to Done because their worker disappeared",
		},
	)

	// Worker metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exaworker_jobs_total",
			Help: "Jobs executed by type and result",
		},
		[]string{"type", "result"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exaworker_job_duration_seconds",
			Help:    "Job execution duration by type",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"type"},
	)

	CorruptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exaworker_corruptions_total",
			Help: "Times a worker flagged itself corrupted, by reason",
		},
		[]string{"reason"},
	)

	SignalsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exaworker_signals_processed_total",
			Help: "Control signals consumed from the signal queue",
		},
		[]string{"signal"},
	)

	// Control plane metrics
	ControlRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exaworker_control_requests_total",
			Help: "Control-plane requests by path and status code",
		},
		[]string{"path", "code"},
	)

	ControlRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exaworker_control_request_duration_seconds",
			Help:    "Control-plane request duration by path",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(WorkersSpawned)
	prometheus.MustRegister(ReconcileActions)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(DanglingRequestsSwept)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(CorruptionsTotal)
	prometheus.MustRegister(SignalsProcessed)
	prometheus.MustRegister(ControlRequestsTotal)
	prometheus.MustRegister(ControlRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
