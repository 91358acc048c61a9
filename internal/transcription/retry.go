package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/skypro1111/chunkscribe/internal/metrics"
	"github.com/skypro1111/chunkscribe/internal/status"
)

// RetryPolicy controls how transient chunk failures are retried
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	BaseBackoff time.Duration // first retry delay, doubled per retry
	MaxBackoff  time.Duration // cap on a single computed delay
	Jitter      time.Duration // +/- random spread added to computed delays
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		Jitter:      250 * time.Millisecond,
	}
}

// Validate checks the policy bounds
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseBackoff <= 0 {
		return fmt.Errorf("base backoff must be positive, got %s", p.BaseBackoff)
	}
	if p.MaxBackoff < 0 || p.Jitter < 0 {
		return fmt.Errorf("max backoff and jitter cannot be negative")
	}
	return nil
}

// newBackoff builds the computed delay sequence: exponential, jittered,
// capped at MaxBackoff, and stopped after MaxAttempts-1 retries
func (p RetryPolicy) newBackoff() retry.Backoff {
	b := retry.NewExponential(p.BaseBackoff)
	if p.Jitter > 0 {
		b = retry.WithJitter(p.Jitter, b)
	}
	if p.MaxBackoff > 0 {
		b = retry.WithCappedDuration(p.MaxBackoff, b)
	}
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}

// ReportFunc receives the state transitions of one chunk
type ReportFunc func(state status.ChunkState)

// RetryClient wraps a Submitter with per-attempt timeouts, error
// classification and backoff. It reports every attempt boundary.
type RetryClient struct {
	submitter      Submitter
	policy         RetryPolicy
	attemptTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	activeRequests  int
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// ClientStats represents retry client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewRetryClient creates a retrying client around submitter
func NewRetryClient(submitter Submitter, policy RetryPolicy, attemptTimeout time.Duration,
	logger *slog.Logger, m *metrics.Metrics) (*RetryClient, error) {

	if submitter == nil {
		return nil, fmt.Errorf("submitter cannot be nil")
	}

	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &RetryClient{
		submitter:      submitter,
		policy:         policy,
		attemptTimeout: attemptTimeout,
		logger:         logger,
		metrics:        m,
	}, nil
}

// Policy returns the configured retry policy
func (c *RetryClient) Policy() RetryPolicy {
	return c.policy
}

// Transcribe submits one chunk until it succeeds, fails fatally or runs
// out of attempts. It returns the text, the number of attempts made and
// the final error. When ctx is cancelled it returns the context cause
// without reporting a terminal state; the caller owns that transition.
func (c *RetryClient) Transcribe(ctx context.Context, req Request, report ReportFunc) (string, int, error) {
	if report == nil {
		report = func(status.ChunkState) {}
	}

	var (
		text     string
		attempts int
		lastErr  *ChunkError
	)

	computed := c.policy.newBackoff()
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := computed.Next()
		if stop {
			return 0, true
		}

		// A server-suggested delay replaces the computed one
		if lastErr != nil && lastErr.RetryAfter > 0 {
			next = lastErr.RetryAfter
		}

		c.incrementTotalRetries()
		c.metrics.RecordTranscriptionRetry()
		report(status.Retrying(attempts, lastErr))

		c.logger.Warn("Retrying chunk transcription",
			slog.Int("chunk_index", req.ChunkIndex),
			slog.Int("attempt", attempts),
			slog.String("kind", lastErr.Kind.String()),
			slog.Duration("backoff", next),
			slog.String("error", lastErr.Error()),
		)

		return next, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		report(status.InFlight(attempts))

		c.logger.Debug("Submitting chunk",
			slog.Int("chunk_index", req.ChunkIndex),
			slog.Int("attempt", attempts),
			slog.Duration("start", req.Start),
			slog.Duration("end", req.End),
		)

		result, err := c.attempt(ctx, req)
		if err == nil {
			text = result
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		if err.Retryable() {
			return retry.RetryableError(err)
		}
		return err
	})

	if err == nil {
		report(status.Succeeded(text, attempts))
		return text, attempts, nil
	}

	if ctx.Err() != nil {
		return "", attempts, context.Cause(ctx)
	}

	if lastErr == nil {
		lastErr = Classify(err)
	}

	c.incrementFailedRequests()
	report(status.Failed(lastErr, attempts))

	c.logger.Warn("Chunk transcription failed",
		slog.Int("chunk_index", req.ChunkIndex),
		slog.Int("attempts", attempts),
		slog.String("kind", lastErr.Kind.String()),
		slog.Bool("fatal", lastErr.Fatal()),
		slog.String("error", lastErr.Error()),
	)

	return "", attempts, lastErr
}

// attempt performs one submission bounded by the per-attempt timeout
func (c *RetryClient) attempt(ctx context.Context, req Request) (string, *ChunkError) {
	attemptCtx := ctx
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}

	c.beginRequest()
	c.metrics.RecordTranscriptionRequest()
	startTime := time.Now()

	text, err := c.submitter.Submit(attemptCtx, req)
	elapsed := time.Since(startTime)
	c.endRequest()

	if err == nil {
		c.incrementSuccessRequests()
		c.updateAvgResponseTime(elapsed)
		c.metrics.RecordTranscriptionSuccess(elapsed.Seconds())
		return text, nil
	}

	ce := Classify(err)
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ce.Kind != KindTimeout {
		ce = &ChunkError{Kind: KindTimeout, Message: fmt.Sprintf("no response within %s", c.attemptTimeout), Err: err}
	}

	c.metrics.RecordTranscriptionFailure(ce.Kind.String(), elapsed.Seconds())

	return "", ce
}

// Statistics methods
func (c *RetryClient) beginRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.activeRequests++
}

func (c *RetryClient) endRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeRequests--
}

func (c *RetryClient) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *RetryClient) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *RetryClient) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *RetryClient) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// Stats returns current client statistics. Requests count single
// attempts; failures count chunks that ended failed.
func (c *RetryClient) Stats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  c.activeRequests,
	}
}
