package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gaffer_jobs_total",
			Help: "Total number of loaded jobs by stopped state",
		},
		[]string{"stopped"},
	)

	ProcessesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gaffer_processes_running",
			Help: "Total number of supervised processes currently running",
		},
	)

	ProcessSpawnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gaffer_process_spawns_total",
			Help: "Total number of processes spawned",
		},
	)

	ProcessExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gaffer_process_exits_total",
			Help: "Total number of process exits by whether they were signaled",
		},
		[]string{"signaled"},
	)

	JobFlapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gaffer_job_flaps_total",
			Help: "Total number of times a job was left stopped after exhausting its flapping retries",
		},
	)

	GraceKillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gaffer_grace_kills_total",
			Help: "Total number of processes force-killed after their graceful_timeout elapsed",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gaffer_reconciliation_duration_seconds",
			Help:    "Time taken for one reconciliation pass over a job",
			Buckets: prometheus.DefBuckets,
		},
	)

	HubSubscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gaffer_hub_subscriptions_active",
			Help: "Active topic subscriptions by topic source",
		},
		[]string{"source"},
	)

	LookupClientConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gaffer_lookup_client_connected",
			Help: "Whether this node's lookup client is currently connected to lookupd (1) or not (0)",
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gaffer_api_requests_total",
			Help: "Total number of HTTP API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gaffer_api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(ProcessesRunning)
	prometheus.MustRegister(ProcessSpawnsTotal)
	prometheus.MustRegister(ProcessExitsTotal)
	prometheus.MustRegister(JobFlapsTotal)
	prometheus.MustRegister(GraceKillsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(HubSubscriptionsActive)
	prometheus.MustRegister(LookupClientConnected)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus scrape handler, mounted by cmd/gafferd
// at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
