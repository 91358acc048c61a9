package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/chunkscribe/internal/audio"
	"github.com/skypro1111/chunkscribe/internal/config"
	"github.com/skypro1111/chunkscribe/internal/jobs"
	"github.com/skypro1111/chunkscribe/internal/metrics"
	"github.com/skypro1111/chunkscribe/internal/pipeline"
	"github.com/skypro1111/chunkscribe/internal/status"
	"github.com/skypro1111/chunkscribe/internal/transcription"
)

const wsWriteTimeout = 5 * time.Second

// StatsProvider reports transcription client statistics
type StatsProvider interface {
	Stats() transcription.ClientStats
}

// HTTPServer provides the job API plus monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	jobMgr   *jobs.Manager
	client   StatsProvider
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	// Server state
	startTime time.Time
}

// ChunkEventMessage is a websocket frame carrying one chunk state change
type ChunkEventMessage struct {
	Type  string       `json:"type"`
	JobID string       `json:"job_id"`
	Event status.Event `json:"event"`
}

// JobDoneMessage is the final websocket frame of a job stream
type JobDoneMessage struct {
	Type string       `json:"type"`
	Job  jobs.JobInfo `json:"job"`
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, jobMgr *jobs.Manager, client StatsProvider, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:  logger,
		config:  appConfig,
		jobMgr:  jobMgr,
		client:  client,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     mux,
		ReadTimeout: 2 * time.Minute,
		// No write timeout: ?wait=true holds the response until the job ends
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))

	// Job endpoints
	mux.HandleFunc("POST /jobs", h.withMetrics("/jobs", h.handleSubmitJob))
	mux.HandleFunc("GET /jobs", h.withMetrics("/jobs", h.handleListJobs))
	mux.HandleFunc("GET /jobs/{id}", h.withMetrics("/jobs/{id}", h.handleJobDetail))
	mux.HandleFunc("DELETE /jobs/{id}", h.withMetrics("/jobs/{id}", h.handleCancelJob))
	mux.HandleFunc("GET /jobs/{id}/events", h.withMetrics("/jobs/{id}/events", h.handleJobEvents))

	// Configuration endpoint
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("GET /stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	jobStats := h.jobMgr.Stats()
	clientStats := h.client.Stats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "chunkscribe",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"job_manager": map[string]interface{}{
				"status":      "running",
				"active_jobs": jobStats.ActiveJobs,
			},
			"transcription": map[string]interface{}{
				"status":          "running",
				"provider":        h.config.Transcription.Provider,
				"total_requests":  clientStats.TotalRequests,
				"success_rate":    clientStats.SuccessRate,
				"active_requests": clientStats.ActiveRequests,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleSubmitJob implements POST /jobs. The body is a PCM WAV file, either
// raw or as the "file" field of a multipart form. With ?wait=true the
// response is the finished job instead of 202 Accepted.
func (h *HTTPServer) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.config.HTTP.MaxUploadMB)<<20)

	body, err := uploadBody(r)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}
	defer body.Close()

	src, err := audio.ReadWAV(body)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	h.logger.Debug("Audio upload decoded",
		slog.Int("pcm_bytes", src.Size()),
		slog.Int("sample_rate", src.Format().SampleRate),
		slog.Int("channels", src.Format().Channels),
		slog.Duration("duration", src.Duration()),
	)

	job, err := h.jobMgr.Submit(src)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrTooManyJobs):
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		case errors.Is(err, jobs.ErrManagerStopped):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, audio.ErrEmptyInput):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		result, _ := job.Wait(r.Context())
		if result == nil {
			// Client went away; the job keeps running and stays queryable
			return
		}
		writeJSON(w, outcomeStatus(result.Outcome), jobs.Summarize(job, false))
		return
	}

	w.Header().Set("Location", "/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, jobs.Summarize(job, false))
}

func uploadBody(r *http.Request) (io.ReadCloser, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.Body, nil
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("%w: missing multipart field \"file\": %w", audio.ErrInvalidWAV, err)
	}
	return file, nil
}

func (h *HTTPServer) writeUploadError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		http.Error(w, fmt.Sprintf("upload exceeds %d MB", h.config.HTTP.MaxUploadMB), http.StatusRequestEntityTooLarge)
	case errors.Is(err, audio.ErrInvalidWAV):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Warn("Failed to read upload", slog.String("error", err.Error()))
		http.Error(w, "Failed to read upload", http.StatusBadRequest)
	}
}

// handleListJobs implements GET /jobs
func (h *HTTPServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	infos := h.jobMgr.List()

	response := map[string]interface{}{
		"total_jobs": len(infos),
		"timestamp":  time.Now().UTC(),
		"jobs":       infos,
	}

	writeJSON(w, http.StatusOK, response)
}

// handleJobDetail implements GET /jobs/{id}
func (h *HTTPServer) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	job, exists := h.jobMgr.GetJob(r.PathValue("id"))
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, jobs.Summarize(job, true))
}

// handleCancelJob implements DELETE /jobs/{id}
func (h *HTTPServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := h.jobMgr.Cancel(id)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, jobs.Summarize(job, false))
}

// handleJobEvents implements GET /jobs/{id}/events as a websocket stream of
// chunk state changes, ending with the job summary once it finishes
func (h *HTTPServer) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, exists := h.jobMgr.GetJob(r.PathValue("id"))
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := job.Tracker().Subscribe()
	defer sub.Close()

	// Drain client frames so close frames are processed
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return

		case event, ok := <-sub.Events():
			if !ok {
				<-job.Done()
				h.writeWS(conn, JobDoneMessage{Type: "done", Job: jobs.Summarize(job, false)})
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, job.State().String()),
					time.Now().Add(wsWriteTimeout))
				return
			}

			if err := h.writeWS(conn, ChunkEventMessage{Type: "chunk", JobID: job.ID, Event: event}); err != nil {
				h.logger.Debug("Event stream closed",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (h *HTTPServer) writeWS(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"chunking": map[string]interface{}{
			"chunk_duration":      h.config.Chunking.ChunkDuration,
			"overlap":             h.config.Chunking.Overlap,
			"max_concurrency":     h.config.Chunking.MaxConcurrency,
			"chunk_timeout":       h.config.Chunking.ChunkTimeout,
			"job_timeout":         h.config.Chunking.JobTimeout,
			"fast_fail_on_fatal":  h.config.Chunking.FastFailOnFatal,
			"fast_fail_threshold": h.config.Chunking.FastFailThreshold,
			"dedupe_max_words":    h.config.Chunking.DedupeMaxWords,
		},
		"retry": map[string]interface{}{
			"max_attempts":    h.config.Retry.MaxAttempts,
			"base_backoff_ms": h.config.Retry.BaseBackoffMs,
			"max_backoff_ms":  h.config.Retry.MaxBackoffMs,
			"jitter_ms":       h.config.Retry.JitterMs,
		},
		"transcription": map[string]interface{}{
			"provider":      h.config.Transcription.Provider,
			"endpoint":      h.config.Transcription.Endpoint,
			"model":         h.config.Transcription.Model,
			"language":      h.config.Transcription.Language,
			"timeout":       h.config.Transcription.Timeout,
			"output_format": h.config.Transcription.OutputFormat,
		},
		"jobs": map[string]interface{}{
			"max_active": h.config.Jobs.MaxActive,
			"retention":  h.config.Jobs.Retention,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":        time.Since(h.startTime).String(),
		"timestamp":     time.Now().UTC(),
		"jobs":          h.jobMgr.Stats(),
		"transcription": h.client.Stats(),
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": "Chunked Transcription Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                 "API documentation",
			"GET /health":           "Service health check",
			"POST /jobs":            "Submit a WAV file for transcription (?wait=true blocks until done)",
			"GET /jobs":             "List tracked jobs",
			"GET /jobs/{id}":        "Get job details with per-chunk state",
			"DELETE /jobs/{id}":     "Cancel a job",
			"GET /jobs/{id}/events": "Websocket stream of chunk state changes",
			"GET /config":           "Get service configuration",
			"GET /stats":            "Get service statistics",
			"GET /metrics":          "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

// outcomeStatus maps a job outcome onto an HTTP status for synchronous callers
func outcomeStatus(outcome pipeline.Outcome) int {
	switch outcome {
	case pipeline.OutcomeOK:
		return http.StatusOK
	case pipeline.OutcomeCancelled:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
