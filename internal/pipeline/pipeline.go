package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/chunkscribe/internal/audio"
	"github.com/skypro1111/chunkscribe/internal/metrics"
	"github.com/skypro1111/chunkscribe/internal/status"
	"github.com/skypro1111/chunkscribe/internal/transcription"
)

// Config contains the read-only settings of a pipeline
type Config struct {
	Chunking          audio.ChunkingConfig
	MaxConcurrency    int
	JobTimeout        time.Duration // zero disables the job deadline
	FastFailOnFatal   bool
	FastFailThreshold int
	DedupeMaxWords    int
}

// DefaultConfig returns the configuration used when none is provided
func DefaultConfig() Config {
	return Config{
		Chunking: audio.ChunkingConfig{
			ChunkDuration: audio.DefaultChunkDuration,
			Overlap:       2 * time.Second,
		},
		MaxConcurrency:    4,
		FastFailThreshold: 1,
		DedupeMaxWords:    DefaultDedupeMaxWords,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if err := c.Chunking.Validate(); err != nil {
		return err
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max concurrency must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("job timeout cannot be negative")
	}
	if c.FastFailThreshold < 1 {
		return fmt.Errorf("fast-fail threshold must be at least 1, got %d", c.FastFailThreshold)
	}
	if c.DedupeMaxWords < 0 {
		return fmt.Errorf("dedupe max words cannot be negative")
	}
	return nil
}

// Pipeline plans, dispatches and reassembles chunked transcriptions
type Pipeline struct {
	client  ChunkTranscriber
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a pipeline around a chunk transcriber
func New(client ChunkTranscriber, config Config, logger *slog.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if client == nil {
		return nil, fmt.Errorf("chunk transcriber cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		client:  client,
		config:  config,
		logger:  logger,
		metrics: m,
	}, nil
}

// Config returns the pipeline configuration
func (p *Pipeline) Config() Config {
	return p.config
}

// Plan splits the source into chunks
func (p *Pipeline) Plan(src audio.Source) ([]audio.Chunk, error) {
	chunks, err := audio.Plan(src.Duration(), p.config.Chunking)
	if err != nil {
		return nil, err
	}

	durations := make([]float64, len(chunks))
	for i, c := range chunks {
		durations[i] = c.Duration().Seconds()
	}
	p.metrics.RecordJobPlanned(durations)

	return chunks, nil
}

// Transcribe runs a job to completion and returns its result together with
// Result.Err. Audio that fits in one chunk is sent as a single call without
// a job, tracker or worker pool.
func (p *Pipeline) Transcribe(ctx context.Context, src audio.Source) (*Result, error) {
	chunks, err := p.Plan(src)
	if err != nil {
		return nil, err
	}

	if audio.IsSingleChunk(chunks) {
		ctx, cancel := p.withJobDeadline(ctx)
		defer cancel()

		result := p.transcribeSingle(ctx, src, chunks[0], nil)
		return result, result.Err()
	}

	job := p.start(ctx, src, chunks)
	return job.Wait(context.Background())
}

// Start plans the source and begins a background job
func (p *Pipeline) Start(ctx context.Context, src audio.Source) (*Job, error) {
	chunks, err := p.Plan(src)
	if err != nil {
		return nil, err
	}
	return p.start(ctx, src, chunks), nil
}

func (p *Pipeline) start(ctx context.Context, src audio.Source, chunks []audio.Chunk) *Job {
	jobCtx, cancel := context.WithCancelCause(ctx)

	job := &Job{
		ID:        uuid.NewString(),
		Chunks:    chunks,
		Duration:  src.Duration(),
		CreatedAt: time.Now(),
		tracker:   status.NewTracker(len(chunks)),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go p.run(jobCtx, job, src)

	return job
}

func (p *Pipeline) run(ctx context.Context, job *Job, src audio.Source) {
	defer job.cancel(nil)

	ctx, cancel := p.withJobDeadline(ctx)
	defer cancel()

	logger := p.logger.With(slog.String("job_id", job.ID))
	job.setRunning()
	p.metrics.RecordJobStarted()

	logger.Info("Transcription job started",
		slog.Int("chunks", len(job.Chunks)),
		slog.Duration("duration", job.Duration),
		slog.Int("max_concurrency", p.config.MaxConcurrency),
	)

	var result *Result
	if audio.IsSingleChunk(job.Chunks) {
		result = p.transcribeSingle(ctx, src, job.Chunks[0], job.tracker)
	} else {
		dispatcher := NewDispatcher(p.client, src, job.tracker, DispatchConfig{
			MaxConcurrency:    p.config.MaxConcurrency,
			FastFailOnFatal:   p.config.FastFailOnFatal,
			FastFailThreshold: p.config.FastFailThreshold,
		}, logger, p.metrics)

		reassembler := NewReassembler(job.Chunks, p.config.Chunking.Overlap, p.config.DedupeMaxWords)
		states := reassembler.Collect(dispatcher.Dispatch(ctx, job.Chunks))
		result = reassembler.Assemble(states, dispatcher.Cause())
	}

	result.Elapsed = time.Since(job.CreatedAt)
	job.tracker.Close()
	job.finish(result)

	p.metrics.RecordJobFinished(result.Outcome.String(), result.Elapsed.Seconds())

	attrs := []any{
		slog.String("outcome", result.Outcome.String()),
		slog.Int("succeeded", len(result.Succeeded)),
		slog.Int("failed", len(result.Failures)),
		slog.Duration("elapsed", result.Elapsed),
	}
	if result.Outcome == OutcomeOK {
		logger.Info("Transcription job completed", attrs...)
	} else {
		logger.Warn("Transcription job completed", attrs...)
	}
}

// withJobDeadline bounds ctx by the job timeout, if one is configured
func (p *Pipeline) withJobDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.config.JobTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeoutCause(ctx, p.config.JobTimeout, ErrJobDeadline)
}

// transcribeSingle sends the whole source as one request. tracker may be nil.
func (p *Pipeline) transcribeSingle(ctx context.Context, src audio.Source, chunk audio.Chunk, tracker *status.Tracker) *Result {
	reassembler := NewReassembler([]audio.Chunk{chunk}, 0, 0)

	report := func(state status.ChunkState) {
		if tracker != nil {
			tracker.Update(chunk.Index, state)
		}
	}

	var state status.ChunkState
	data, err := src.ReadRange(chunk.Start, chunk.End)
	if err != nil {
		state = status.Failed(fmt.Errorf("read audio range: %w", err), 0)
		report(state)
	} else {
		req := transcription.Request{
			ChunkIndex:  chunk.Index,
			TotalChunks: 1,
			Audio:       data,
			Start:       chunk.Start,
			End:         chunk.End,
		}

		text, attempts, err := p.client.Transcribe(ctx, req, report)
		var chunkErr *transcription.ChunkError
		switch {
		case err == nil:
			state = status.Succeeded(text, attempts)
		case !errors.As(err, &chunkErr) && ctx.Err() != nil:
			state = status.Cancelled(context.Cause(ctx), attempts)
			report(state)
		default:
			state = status.Failed(err, attempts)
		}
	}

	p.metrics.RecordChunkOutcome(state.Phase.String())
	return reassembler.Assemble([]status.ChunkState{state}, context.Cause(ctx))
}
