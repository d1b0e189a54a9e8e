package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	apiRequestsTotal     *prometheus.CounterVec
	apiLatencySeconds    *prometheus.HistogramVec
	apiErrorsTotal       *prometheus.CounterVec
	gradingAttemptsTotal *prometheus.CounterVec
	gradingDuration      *prometheus.HistogramVec
	batchItemsTotal      *prometheus.CounterVec
	batchRunsActive      prometheus.Gauge
	eventsPublishedTotal *prometheus.CounterVec
	gradingCacheTotal    *prometheus.CounterVec
	streamClientsActive  prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the grading API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_api_requests_total",
			Help: "Total number of grading API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_api_latency_seconds",
			Help:    "Latency distribution for grading API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 15.0, 60.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_api_errors_total",
			Help: "Total number of error responses returned by grading endpoints.",
		}, []string{"method", "route", "status"})

		gradingAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_attempts_total",
			Help: "Grading attempts by outcome; failures are labelled with their error kind.",
		}, []string{"outcome"})

		gradingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_grade_duration_seconds",
			Help:    "Duration of complete grading calls including retries.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120, 240},
		}, []string{"outcome"})

		batchItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_batch_items_total",
			Help: "Batch items that reached a terminal state.",
		}, []string{"state"})

		batchRunsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grader_batch_runs_active",
			Help: "Number of batch runs currently dispatching items.",
		})

		eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_events_published_total",
			Help: "Batch events published to downstream transports.",
		}, []string{"transport", "type"})

		gradingCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_cache_lookups_total",
			Help: "Single grading cache lookups by result.",
		}, []string{"result"})

		streamClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grader_stream_clients_active",
			Help: "Number of websocket clients following batch progress.",
		})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			gradingAttemptsTotal,
			gradingDuration,
			batchItemsTotal,
			batchRunsActive,
			eventsPublishedTotal,
			gradingCacheTotal,
			streamClientsActive,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// GradingAttempts exposes the per-attempt outcome counter.
func GradingAttempts() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingAttemptsTotal
}

// GradingDuration exposes the grading call histogram.
func GradingDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return gradingDuration
}

// BatchItems exposes the terminal batch item counter.
func BatchItems() *prometheus.CounterVec {
	RegisterMetrics()
	return batchItemsTotal
}

// BatchRunsActive exposes the active batch run gauge.
func BatchRunsActive() prometheus.Gauge {
	RegisterMetrics()
	return batchRunsActive
}

// EventsPublished exposes the counter for published batch events.
func EventsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return eventsPublishedTotal
}

// GradingCache exposes the cache lookup counter.
func GradingCache() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingCacheTotal
}

// StreamClientsActive exposes the gauge for connected progress streams.
func StreamClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return streamClientsActive
}
