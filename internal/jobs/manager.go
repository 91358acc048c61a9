package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/chunkscribe/internal/audio"
	"github.com/skypro1111/chunkscribe/internal/pipeline"
	"github.com/skypro1111/chunkscribe/internal/status"
)

var (
	// ErrJobNotFound is returned for unknown job IDs
	ErrJobNotFound = errors.New("job not found")

	// ErrTooManyJobs is returned when MaxActive jobs are already running
	ErrTooManyJobs = errors.New("too many active jobs")

	// ErrManagerStopped is returned for submissions after Stop
	ErrManagerStopped = errors.New("job manager stopped")
)

// Config contains job registry settings
type Config struct {
	MaxActive       int           // zero means unlimited
	Retention       time.Duration // how long finished jobs stay queryable
	CleanupInterval time.Duration
}

// Manager keeps the registry of submitted transcription jobs
type Manager struct {
	jobs     map[string]*pipeline.Job
	mu       sync.RWMutex
	logger   *slog.Logger
	pipeline *pipeline.Pipeline
	config   Config
	stopped  bool

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// JobInfo is a point-in-time summary of a job
type JobInfo struct {
	ID          string               `json:"id"`
	State       pipeline.JobState    `json:"state"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   time.Time            `json:"started_at,omitempty"`
	FinishedAt  time.Time            `json:"finished_at,omitempty"`
	Duration    time.Duration        `json:"audio_duration"`
	TotalChunks int                  `json:"total_chunks"`
	Counts      map[status.Phase]int `json:"counts"`
	Chunks      []audio.Chunk        `json:"chunks,omitempty"`
	States      []status.ChunkState  `json:"states,omitempty"`
	Result      *pipeline.Result     `json:"result,omitempty"`
}

// ManagerStats represents registry statistics
type ManagerStats struct {
	ActiveJobs    int `json:"active_jobs"`
	TrackedJobs   int `json:"tracked_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	CancelledJobs int `json:"cancelled_jobs"`
}

// NewManager creates a job registry and starts its cleanup routine
func NewManager(logger *slog.Logger, p *pipeline.Pipeline, config Config) (*Manager, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if config.MaxActive < 0 {
		return nil, fmt.Errorf("max active jobs cannot be negative")
	}
	if config.Retention <= 0 {
		config.Retention = time.Hour
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		jobs:     make(map[string]*pipeline.Job),
		logger:   logger,
		pipeline: p,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// Submit starts a job for src unless MaxActive jobs are already running
func (m *Manager) Submit(src audio.Source) (*pipeline.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrManagerStopped
	}

	if m.config.MaxActive > 0 && m.activeLocked() >= m.config.MaxActive {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManyJobs, m.config.MaxActive)
	}

	job, err := m.pipeline.Start(m.ctx, src)
	if err != nil {
		return nil, err
	}

	m.jobs[job.ID] = job

	m.logger.Info("Transcription job submitted",
		slog.String("job_id", job.ID),
		slog.Int("chunks", len(job.Chunks)),
		slog.Duration("audio_duration", job.Duration),
	)

	return job, nil
}

// GetJob retrieves a job by ID
func (m *Manager) GetJob(id string) (*pipeline.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[id]
	return job, exists
}

// Cancel requests cancellation of a running job and returns it. Finished
// jobs are returned unchanged.
func (m *Manager) Cancel(id string) (*pipeline.Job, error) {
	job, exists := m.GetJob(id)
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if job.IsDone() {
		return job, nil
	}

	job.Cancel()

	m.logger.Info("Transcription job cancellation requested", slog.String("job_id", id))

	return job, nil
}

// RemoveJob cancels a job if needed and drops it from the registry
func (m *Manager) RemoveJob(id string) bool {
	m.mu.Lock()
	job, exists := m.jobs[id]
	if exists {
		delete(m.jobs, id)
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	job.Cancel()

	m.logger.Debug("Transcription job removed",
		slog.String("job_id", id),
		slog.String("state", job.State().String()),
	)

	return true
}

// GetActiveJobCount returns the number of jobs that have not finished
func (m *Manager) GetActiveJobCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() int {
	active := 0
	for _, job := range m.jobs {
		if !job.IsDone() {
			active++
		}
	}
	return active
}

// List returns summaries of every tracked job, oldest first
func (m *Manager) List() []JobInfo {
	m.mu.RLock()
	jobs := make([]*pipeline.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	infos := make([]JobInfo, len(jobs))
	for i, job := range jobs {
		infos[i] = Summarize(job, false)
	}
	return infos
}

// Stats returns registry statistics
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ManagerStats{TrackedJobs: len(m.jobs)}
	for _, job := range m.jobs {
		switch job.State() {
		case pipeline.JobCompleted:
			stats.CompletedJobs++
		case pipeline.JobCancelled:
			stats.CancelledJobs++
		default:
			stats.ActiveJobs++
		}
	}
	return stats
}

// Summarize builds a JobInfo. Detailed adds chunk layout and states.
func Summarize(job *pipeline.Job, detailed bool) JobInfo {
	snapshot := job.Tracker().Snapshot()
	started, finished := job.Times()

	info := JobInfo{
		ID:          job.ID,
		State:       job.State(),
		CreatedAt:   job.CreatedAt,
		StartedAt:   started,
		FinishedAt:  finished,
		Duration:    job.Duration,
		TotalChunks: len(job.Chunks),
		Counts:      snapshot.Counts,
		Result:      job.Result(),
	}

	if detailed {
		info.Chunks = job.Chunks
		info.States = snapshot.States
	}

	return info
}

// Stop cancels every running job, waits for them to finish and stops cleanup
func (m *Manager) Stop() {
	m.logger.Info("Stopping job manager...")

	m.mu.Lock()
	m.stopped = true
	jobs := make([]*pipeline.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.Unlock()

	// Cancelling the base context cancels every job started from it
	m.cancel()

	for _, job := range jobs {
		<-job.Done()
	}

	// Wait for cleanup routine to finish
	<-m.cleanup

	stats := m.Stats()
	m.logger.Info("Job manager stopped",
		slog.Int("tracked_jobs", stats.TrackedJobs),
		slog.Int("completed_jobs", stats.CompletedJobs),
		slog.Int("cancelled_jobs", stats.CancelledJobs),
	)
}

func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Job cleanup routine started",
		slog.Duration("retention", m.config.Retention),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Job cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredJobs(time.Now())
		}
	}
}

// cleanupExpiredJobs drops finished jobs older than the retention period
func (m *Manager) cleanupExpiredJobs(now time.Time) {
	expired := make([]string, 0)

	m.mu.RLock()
	for id, job := range m.jobs {
		if !job.IsDone() {
			continue
		}
		if _, finished := job.Times(); now.Sub(finished) > m.config.Retention {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired jobs",
			slog.Int("expired_count", len(expired)),
		)

		for _, id := range expired {
			m.RemoveJob(id)
		}
	}
}
