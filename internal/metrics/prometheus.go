package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Planning metrics
	JobsPlanned    prometheus.Counter
	ChunksPlanned  prometheus.Counter
	ChunkDuration  prometheus.Histogram
	SingleChunkRun prometheus.Counter

	// Job metrics
	ActiveJobs   prometheus.Gauge
	JobsFinished *prometheus.CounterVec
	JobDuration  prometheus.Histogram

	// Chunk metrics
	ChunksInFlight prometheus.Gauge
	ChunkOutcomes  *prometheus.CounterVec

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  *prometheus.CounterVec
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Planning metrics
		JobsPlanned: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkscribe_jobs_planned_total",
			Help: "Total number of transcription jobs planned",
		}),
		ChunksPlanned: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkscribe_chunks_planned_total",
			Help: "Total number of audio chunks planned",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkscribe_chunk_duration_seconds",
			Help:    "Duration of planned audio chunks",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4 minutes
		}),
		SingleChunkRun: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkscribe_single_chunk_jobs_total",
			Help: "Total number of jobs short enough to bypass the parallel pipeline",
		}),

		// Job metrics
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chunkscribe_active_jobs",
			Help: "Current number of running transcription jobs",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkscribe_jobs_finished_total",
			Help: "Total number of finished jobs by outcome",
		}, []string{"outcome"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkscribe_job_duration_seconds",
			Help:    "Wall-clock duration of transcription jobs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		// Chunk metrics
		ChunksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chunkscribe_chunks_in_flight",
			Help: "Current number of chunks holding a worker slot",
		}),
		ChunkOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkscribe_chunk_outcomes_total",
			Help: "Total number of chunks reaching a terminal state",
		}, []string{"phase"}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkscribe_transcription_requests_total",
			Help: "Total number of transcription attempts sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkscribe_transcription_successes_total",
			Help: "Total number of successful transcription attempts",
		}),
		TranscriptionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkscribe_transcription_failures_total",
			Help: "Total number of failed transcription attempts by error kind",
		}, []string{"kind"}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkscribe_transcription_duration_seconds",
			Help:    "Duration of single transcription attempts",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkscribe_transcription_retries_total",
			Help: "Total number of scheduled transcription retries",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkscribe_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunkscribe_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkscribe_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordJobPlanned records a planned job and its chunk layout
func (m *Metrics) RecordJobPlanned(chunkDurationsSeconds []float64) {
	if m == nil {
		return
	}
	m.JobsPlanned.Inc()
	m.ChunksPlanned.Add(float64(len(chunkDurationsSeconds)))
	for _, d := range chunkDurationsSeconds {
		m.ChunkDuration.Observe(d)
	}
	if len(chunkDurationsSeconds) == 1 {
		m.SingleChunkRun.Inc()
	}
}

// RecordJobStarted increments the active jobs gauge
func (m *Metrics) RecordJobStarted() {
	if m == nil {
		return
	}
	m.ActiveJobs.Inc()
}

// RecordJobFinished records a finished job by outcome
func (m *Metrics) RecordJobFinished(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveJobs.Dec()
	m.JobsFinished.WithLabelValues(outcome).Inc()
	m.JobDuration.Observe(durationSeconds)
}

// RecordChunkStarted increments the in-flight chunks gauge
func (m *Metrics) RecordChunkStarted() {
	if m == nil {
		return
	}
	m.ChunksInFlight.Inc()
}

// RecordChunkFinished decrements the in-flight chunks gauge
func (m *Metrics) RecordChunkFinished() {
	if m == nil {
		return
	}
	m.ChunksInFlight.Dec()
}

// RecordChunkOutcome records a chunk reaching a terminal phase
func (m *Metrics) RecordChunkOutcome(phase string) {
	if m == nil {
		return
	}
	m.ChunkOutcomes.WithLabelValues(phase).Inc()
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription attempt
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription attempt
func (m *Metrics) RecordTranscriptionFailure(kind string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.WithLabelValues(kind).Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
