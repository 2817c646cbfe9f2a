package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	SweepRuns = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "drip_sweep_runs_total", Help: "Sweep ticks executed"},
	)
	SweepDue = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "drip_sweep_due_total", Help: "Due subscriptions seen by sweeps"},
	)
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drip_sweep_duration_seconds",
			Help:    "Time spent in one sweep tick",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
	// outcome: sent, completed, failed, delivery_error, claim_lost, skipped, error
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "drip_dispatch_total", Help: "Per-subscription dispatch outcomes"},
		[]string{"source", "outcome"},
	)
	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drip_dispatch_duration_seconds",
			Help:    "Time spent calling the email provider",
			Buckets: prometheus.DefBuckets,
		},
	)
	EventsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "drip_events_recorded_total", Help: "Campaign events appended"},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRequestDuration,
		SweepRuns, SweepDue, SweepDuration, Dispatches, DispatchDuration, EventsRecorded,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
