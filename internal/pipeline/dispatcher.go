package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/chunkscribe/internal/audio"
	"github.com/skypro1111/chunkscribe/internal/metrics"
	"github.com/skypro1111/chunkscribe/internal/status"
	"github.com/skypro1111/chunkscribe/internal/transcription"
)

// ChunkTranscriber transcribes one chunk, reporting every attempt boundary.
// On cancellation it returns without reporting a terminal state.
type ChunkTranscriber interface {
	Transcribe(ctx context.Context, req transcription.Request, report transcription.ReportFunc) (string, int, error)
}

// DispatchConfig controls worker pool behaviour
type DispatchConfig struct {
	MaxConcurrency    int
	FastFailOnFatal   bool
	FastFailThreshold int
}

// Dispatcher runs chunk jobs with at most MaxConcurrency in flight. Each
// chunk is owned by exactly one worker until it reaches a terminal state.
type Dispatcher struct {
	client  ChunkTranscriber
	source  audio.Source
	tracker *status.Tracker
	config  DispatchConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	fatal atomic.Int32
	cause error
}

// NewDispatcher creates a dispatcher for one job
func NewDispatcher(client ChunkTranscriber, source audio.Source, tracker *status.Tracker,
	config DispatchConfig, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {

	if config.MaxConcurrency < 1 {
		config.MaxConcurrency = 1
	}
	if config.FastFailThreshold < 1 {
		config.FastFailThreshold = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		client:  client,
		source:  source,
		tracker: tracker,
		config:  config,
		logger:  logger,
		metrics: m,
	}
}

// Dispatch schedules every chunk and returns a channel carrying one
// ChunkResult per chunk in completion order. The channel is closed once
// every worker has returned. Cancelling ctx, or a fast-fail, stops pending
// chunks from starting and signals the ones in flight.
func (d *Dispatcher) Dispatch(ctx context.Context, chunks []audio.Chunk) <-chan ChunkResult {
	results := make(chan ChunkResult, len(chunks))
	runCtx, cancel := context.WithCancelCause(ctx)

	go func() {
		defer close(results)
		defer cancel(nil)

		var g errgroup.Group
		g.SetLimit(d.config.MaxConcurrency)

		for _, chunk := range chunks {
			if runCtx.Err() != nil {
				results <- d.cancelChunk(chunk, context.Cause(runCtx), 0)
				continue
			}

			// Blocks while MaxConcurrency workers are busy
			g.Go(func() error {
				results <- d.runChunk(runCtx, cancel, chunk, len(chunks))
				return nil
			})
		}

		g.Wait()
		d.cause = context.Cause(runCtx)
	}()

	return results
}

// Cause returns why the run was cancelled, or nil if it ran to completion.
// It is valid once the channel returned by Dispatch is closed.
func (d *Dispatcher) Cause() error {
	return d.cause
}

func (d *Dispatcher) runChunk(ctx context.Context, cancel context.CancelCauseFunc, chunk audio.Chunk, total int) ChunkResult {
	// Cancellation may have landed while this worker waited for a slot
	if ctx.Err() != nil {
		return d.cancelChunk(chunk, context.Cause(ctx), 0)
	}

	d.metrics.RecordChunkStarted()
	defer d.metrics.RecordChunkFinished()

	data, err := d.source.ReadRange(chunk.Start, chunk.End)
	if err != nil {
		return d.failChunk(chunk, fmt.Errorf("read audio range: %w", err), 0)
	}

	req := transcription.Request{
		ChunkIndex:  chunk.Index,
		TotalChunks: total,
		Audio:       data,
		Start:       chunk.Start,
		End:         chunk.End,
	}

	text, attempts, err := d.client.Transcribe(ctx, req, func(state status.ChunkState) {
		d.update(chunk.Index, state)
	})

	var chunkErr *transcription.ChunkError
	switch {
	case err == nil:
		d.metrics.RecordChunkOutcome(status.PhaseSucceeded.String())
		return ChunkResult{Chunk: chunk, State: status.Succeeded(text, attempts)}

	case !errors.As(err, &chunkErr) && ctx.Err() != nil:
		return d.cancelChunk(chunk, context.Cause(ctx), attempts)

	default:
		d.metrics.RecordChunkOutcome(status.PhaseFailed.String())
		if d.config.FastFailOnFatal && transcription.IsFatal(err) {
			if n := int(d.fatal.Add(1)); n >= d.config.FastFailThreshold {
				d.logger.Warn("Fatal chunk error, cancelling remaining chunks",
					slog.Int("chunk_index", chunk.Index),
					slog.Int("fatal_errors", n),
					slog.String("error", err.Error()),
				)
				cancel(fmt.Errorf("%w: chunk %d: %s", ErrFastFail, chunk.Index, err.Error()))
			}
		}
		return ChunkResult{Chunk: chunk, State: status.Failed(err, attempts)}
	}
}

// failChunk records a failure the retry client never saw
func (d *Dispatcher) failChunk(chunk audio.Chunk, err error, attempts int) ChunkResult {
	state := status.Failed(err, attempts)
	d.update(chunk.Index, state)
	d.metrics.RecordChunkOutcome(status.PhaseFailed.String())

	d.logger.Warn("Chunk failed before submission",
		slog.Int("chunk_index", chunk.Index),
		slog.String("error", err.Error()),
	)

	return ChunkResult{Chunk: chunk, State: state}
}

func (d *Dispatcher) cancelChunk(chunk audio.Chunk, cause error, attempts int) ChunkResult {
	if cause == nil {
		cause = context.Canceled
	}

	state := status.Cancelled(cause, attempts)
	d.update(chunk.Index, state)
	d.metrics.RecordChunkOutcome(status.PhaseCancelled.String())

	d.logger.Debug("Chunk cancelled",
		slog.Int("chunk_index", chunk.Index),
		slog.Int("attempts", attempts),
		slog.String("cause", cause.Error()),
	)

	return ChunkResult{Chunk: chunk, State: state}
}

func (d *Dispatcher) update(index int, state status.ChunkState) {
	if err := d.tracker.Update(index, state); err != nil {
		d.logger.Error("Failed to record chunk state",
			slog.Int("chunk_index", index),
			slog.String("state", state.Phase.String()),
			slog.String("error", err.Error()),
		)
	}
}
