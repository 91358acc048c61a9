package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/chunkscribe/internal/audio"
	"github.com/skypro1111/chunkscribe/internal/status"
	"github.com/skypro1111/chunkscribe/internal/transcription"
)

// fakeSource is an audio.Source of a given length whose ranges are placeholders
type fakeSource struct {
	duration time.Duration
}

func (s fakeSource) Duration() time.Duration { return s.duration }

func (s fakeSource) ReadRange(start, end time.Duration) ([]byte, error) {
	return []byte(fmt.Sprintf("%s-%s", start, end)), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(chunks, k int) (Config, fakeSource) {
	cfg := DefaultConfig()
	cfg.Chunking = audio.ChunkingConfig{ChunkDuration: time.Second}
	cfg.MaxConcurrency = k
	return cfg, fakeSource{duration: time.Duration(chunks) * time.Second}
}

func newTestPipeline(t *testing.T, submit transcription.SubmitterFunc, cfg Config) *Pipeline {
	t.Helper()

	client, err := transcription.NewRetryClient(submit, transcription.RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}, 0, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewRetryClient failed: %v", err)
	}

	p, err := New(client, cfg, testLogger(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func wordFor(index int) string {
	return fmt.Sprintf("w%d", index)
}

func TestPipelineBoundedConcurrency(t *testing.T) {
	for _, k := range []int{1, 2, 3, 7} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			var inFlight, peak atomic.Int32

			submit := func(ctx context.Context, req transcription.Request) (string, error) {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				return wordFor(req.ChunkIndex), nil
			}

			cfg, src := testConfig(12, k)
			p := newTestPipeline(t, submit, cfg)

			job, err := p.Start(context.Background(), src)
			if err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			sub := job.Tracker().Subscribe()
			observed := make(chan int, 1)
			go func() {
				phases := make([]status.Phase, job.Tracker().Total())
				maxActive := 0
				for event := range sub.Events() {
					prev := phases[event.ChunkIndex]
					if prev != event.State.Phase && !status.CanTransition(prev, event.State.Phase) {
						t.Errorf("Observed illegal transition %s -> %s on chunk %d", prev, event.State.Phase, event.ChunkIndex)
					}
					phases[event.ChunkIndex] = event.State.Phase

					active := 0
					for _, ph := range phases {
						if ph.Active() {
							active++
						}
					}
					maxActive = max(maxActive, active)
				}
				observed <- maxActive
			}()

			result, err := job.Wait(context.Background())
			if err != nil {
				t.Fatalf("Job failed: %v", err)
			}

			if result.Outcome != OutcomeOK {
				t.Errorf("Expected ok outcome, got %s", result.Outcome)
			}

			if got := int(peak.Load()); got > k {
				t.Errorf("Expected at most %d concurrent submissions, got %d", k, got)
			}

			if got := <-observed; got > k {
				t.Errorf("Expected at most %d active chunks in tracker, got %d", k, got)
			}
		})
	}
}

func TestPipelineOrdersByIndex(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			delays := make([]time.Duration, 10)
			for i := range delays {
				delays[i] = time.Duration(rng.Intn(8)) * time.Millisecond
			}

			var mu sync.Mutex
			var completion []int

			submit := func(ctx context.Context, req transcription.Request) (string, error) {
				time.Sleep(delays[req.ChunkIndex])
				mu.Lock()
				completion = append(completion, req.ChunkIndex)
				mu.Unlock()
				return wordFor(req.ChunkIndex), nil
			}

			cfg, src := testConfig(10, 10)
			p := newTestPipeline(t, submit, cfg)

			result, err := p.Transcribe(context.Background(), src)
			if err != nil {
				t.Fatalf("Transcribe failed: %v", err)
			}

			expected := "w0 w1 w2 w3 w4 w5 w6 w7 w8 w9"
			if result.Text != expected {
				t.Errorf("Expected %q, got %q (completion order %v)", expected, result.Text, completion)
			}
		})
	}
}

func TestPipelinePartialFailure(t *testing.T) {
	var calls atomic.Int32

	submit := func(ctx context.Context, req transcription.Request) (string, error) {
		calls.Add(1)
		if req.ChunkIndex == 2 {
			return "", transcription.NewChunkError(transcription.KindTimeout, context.DeadlineExceeded)
		}
		return wordFor(req.ChunkIndex), nil
	}

	cfg, src := testConfig(5, 2)
	p := newTestPipeline(t, submit, cfg)

	result, err := p.Transcribe(context.Background(), src)

	var pf *PartialFailureError
	if !errors.As(err, &pf) {
		t.Fatalf("Expected *PartialFailureError, got %v", err)
	}

	if !errors.Is(err, transcription.ErrTimeout) {
		t.Errorf("Expected partial failure to match ErrTimeout")
	}

	if result.Outcome != OutcomePartialFailure {
		t.Errorf("Expected partial failure, got %s", result.Outcome)
	}

	if got := result.FailedIndices(); !slices.Equal(got, []int{2}) {
		t.Errorf("Expected failed indices [2], got %v", got)
	}

	if result.Text != "" {
		t.Errorf("Partial result must not carry a full transcript, got %q", result.Text)
	}

	for _, i := range []int{0, 1, 3, 4} {
		if result.Succeeded[i] != wordFor(i) {
			t.Errorf("Expected chunk %d text %q, got %q", i, wordFor(i), result.Succeeded[i])
		}
	}

	failure := result.Failures[0]
	if failure.Attempts != 3 || failure.Start != 2*time.Second || failure.End != 3*time.Second {
		t.Errorf("Unexpected failure detail: %+v", failure)
	}

	if calls.Load() != 4+3 {
		t.Errorf("Expected 7 submissions, got %d", calls.Load())
	}

	if result.PartialText() != "w0 w1 w3 w4" {
		t.Errorf("Unexpected partial text %q", result.PartialText())
	}
}

func TestPipelineCancel(t *testing.T) {
	var calls atomic.Int32
	started := make(chan int, 5)

	submit := func(ctx context.Context, req transcription.Request) (string, error) {
		calls.Add(1)
		started <- req.ChunkIndex
		<-ctx.Done()
		return "", ctx.Err()
	}

	cfg, src := testConfig(5, 2)
	p := newTestPipeline(t, submit, cfg)

	job, err := p.Start(context.Background(), src)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	<-started
	<-started
	job.Cancel()

	result, err := job.Wait(context.Background())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}

	if result.Outcome != OutcomeCancelled || job.State() != JobCancelled {
		t.Errorf("Expected cancelled job, got outcome %s state %s", result.Outcome, job.State())
	}

	if calls.Load() != 2 {
		t.Errorf("Expected no submissions after cancel, got %d", calls.Load())
	}

	snapshot := job.Tracker().Snapshot()
	if snapshot.Counts[status.PhaseCancelled] != 5 {
		t.Errorf("Expected all 5 chunks cancelled, got %v", snapshot.Counts)
	}
}

func TestPipelineFastFailOnFatal(t *testing.T) {
	var calls atomic.Int32

	submit := func(ctx context.Context, req transcription.Request) (string, error) {
		calls.Add(1)
		if req.ChunkIndex == 0 {
			return "", transcription.ClassifyStatus(http.StatusUnauthorized, 0, "invalid key")
		}
		return wordFor(req.ChunkIndex), nil
	}

	cfg, src := testConfig(5, 1)
	cfg.FastFailOnFatal = true
	p := newTestPipeline(t, submit, cfg)

	result, err := p.Transcribe(context.Background(), src)

	if !errors.Is(err, transcription.ErrAuth) {
		t.Errorf("Expected error to match ErrAuth, got %v", err)
	}

	if !errors.Is(err, ErrFastFail) {
		t.Errorf("Expected cancelled chunks to carry ErrFastFail, got %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("Expected a single submission, got %d", calls.Load())
	}

	if result.Outcome != OutcomePartialFailure {
		t.Errorf("Expected partial failure, got %s", result.Outcome)
	}

	if got := result.FailedIndices(); !slices.Equal(got, []int{0, 1, 2, 3, 4}) {
		t.Errorf("Expected every chunk failed, got %v", got)
	}

	if result.Failures[0].Cancelled || result.Failures[0].Attempts != 1 {
		t.Errorf("Expected chunk 0 failed after one attempt, got %+v", result.Failures[0])
	}

	for _, f := range result.Failures[1:] {
		if !f.Cancelled || f.Attempts != 0 {
			t.Errorf("Expected chunk %d cancelled before submission, got %+v", f.Index, f)
		}
	}
}

func TestPipelineFatalIsolatedWithoutFastFail(t *testing.T) {
	var calls atomic.Int32

	submit := func(ctx context.Context, req transcription.Request) (string, error) {
		calls.Add(1)
		if req.ChunkIndex == 0 {
			return "", transcription.ClassifyStatus(http.StatusUnauthorized, 0, "invalid key")
		}
		return wordFor(req.ChunkIndex), nil
	}

	cfg, src := testConfig(5, 1)
	p := newTestPipeline(t, submit, cfg)

	result, _ := p.Transcribe(context.Background(), src)

	if calls.Load() != 5 {
		t.Errorf("Expected every chunk submitted once, got %d", calls.Load())
	}

	if got := result.FailedIndices(); !slices.Equal(got, []int{0}) {
		t.Errorf("Expected failed indices [0], got %v", got)
	}
}

func TestPipelineFastFailThreshold(t *testing.T) {
	var calls atomic.Int32

	submit := func(ctx context.Context, req transcription.Request) (string, error) {
		calls.Add(1)
		if req.ChunkIndex < 2 {
			return "", transcription.ClassifyStatus(http.StatusForbidden, 0, "")
		}
		return wordFor(req.ChunkIndex), nil
	}

	cfg, src := testConfig(6, 1)
	cfg.FastFailOnFatal = true
	cfg.FastFailThreshold = 2
	p := newTestPipeline(t, submit, cfg)

	result, _ := p.Transcribe(context.Background(), src)

	if calls.Load() != 2 {
		t.Errorf("Expected fast-fail after the second fatal chunk, got %d submissions", calls.Load())
	}

	if len(result.Failures) != 6 {
		t.Errorf("Expected 6 failures, got %d", len(result.Failures))
	}
}

func TestPipelineJobDeadline(t *testing.T) {
	submit := func(ctx context.Context, req transcription.Request) (string, error) {
		if req.ChunkIndex == 0 {
			return wordFor(0), nil
		}
		<-ctx.Done()
		return "", ctx.Err()
	}

	cfg, src := testConfig(3, 3)
	cfg.JobTimeout = 30 * time.Millisecond
	p := newTestPipeline(t, submit, cfg)

	result, err := p.Transcribe(context.Background(), src)

	if !errors.Is(err, ErrJobDeadline) {
		t.Fatalf("Expected ErrJobDeadline, got %v", err)
	}

	if result.Outcome != OutcomePartialFailure {
		t.Errorf("Expected partial failure, got %s", result.Outcome)
	}

	if got := result.FailedIndices(); !slices.Equal(got, []int{1, 2}) {
		t.Errorf("Expected failed indices [1 2], got %v", got)
	}
}

func TestPipelineJobDeadlineSingleChunk(t *testing.T) {
	submit := func(ctx context.Context, req transcription.Request) (string, error) {
		select {
		case <-time.After(300 * time.Millisecond):
			return "late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	cfg := DefaultConfig()
	cfg.JobTimeout = 30 * time.Millisecond
	p := newTestPipeline(t, submit, cfg)
	src := fakeSource{duration: 10 * time.Second}

	started := time.Now()
	result, err := p.Transcribe(context.Background(), src)
	elapsed := time.Since(started)

	if !errors.Is(err, ErrJobDeadline) {
		t.Fatalf("Expected ErrJobDeadline, got %v", err)
	}

	if result.Outcome != OutcomePartialFailure {
		t.Errorf("Expected partial failure, got %s", result.Outcome)
	}

	if elapsed >= 250*time.Millisecond {
		t.Errorf("Expected the job deadline to stop the call early, took %v", elapsed)
	}

	// Both entry points classify the same input the same way
	job, err := p.Start(context.Background(), src)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	jobResult, jobErr := job.Wait(context.Background())
	if !errors.Is(jobErr, ErrJobDeadline) || jobResult.Outcome != result.Outcome {
		t.Errorf("Expected job outcome %s with ErrJobDeadline, got %s, %v", result.Outcome, jobResult.Outcome, jobErr)
	}
}

func TestPipelineDeterministicClassification(t *testing.T) {
	submit := func(ctx context.Context, req transcription.Request) (string, error) {
		switch req.ChunkIndex {
		case 1:
			return "", transcription.ClassifyStatus(http.StatusBadRequest, 0, "bad audio")
		case 3:
			return "", transcription.ClassifyStatus(http.StatusInternalServerError, 0, "")
		}
		return wordFor(req.ChunkIndex), nil
	}

	cfg, src := testConfig(6, 3)
	p := newTestPipeline(t, submit, cfg)

	var first []int
	for run := 0; run < 5; run++ {
		result, _ := p.Transcribe(context.Background(), src)
		if result.Outcome != OutcomePartialFailure {
			t.Fatalf("Run %d: expected partial failure, got %s", run, result.Outcome)
		}

		got := result.FailedIndices()
		if run == 0 {
			first = got
			continue
		}
		if !slices.Equal(got, first) {
			t.Errorf("Run %d: expected %v, got %v", run, first, got)
		}
	}

	if !slices.Equal(first, []int{1, 3}) {
		t.Errorf("Expected failed indices [1 3], got %v", first)
	}
}

func TestPipelineSingleChunkBypass(t *testing.T) {
	var calls atomic.Int32

	submit := func(ctx context.Context, req transcription.Request) (string, error) {
		calls.Add(1)
		if req.TotalChunks != 1 || req.Start != 0 || req.End != 30*time.Second {
			t.Errorf("Unexpected single request: %+v", req)
		}
		return "short clip", nil
	}

	cfg := DefaultConfig()
	p := newTestPipeline(t, submit, cfg)

	result, err := p.Transcribe(context.Background(), fakeSource{duration: 30 * time.Second})
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}

	if result.Text != "short clip" || result.TotalChunks != 1 {
		t.Errorf("Unexpected result: %+v", result)
	}

	job, err := p.Start(context.Background(), fakeSource{duration: 30 * time.Second})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	result, err = job.Wait(context.Background())
	if err != nil {
		t.Fatalf("Job failed: %v", err)
	}

	if result.Text != "short clip" {
		t.Errorf("Expected 'short clip', got %q", result.Text)
	}

	state, _ := job.Tracker().State(0)
	if state.Phase != status.PhaseSucceeded {
		t.Errorf("Expected tracked chunk succeeded, got %s", state.Phase)
	}

	if calls.Load() != 2 {
		t.Errorf("Expected 2 submissions, got %d", calls.Load())
	}
}

func TestPipelinePlanningErrors(t *testing.T) {
	p := newTestPipeline(t, func(ctx context.Context, req transcription.Request) (string, error) {
		return "", nil
	}, DefaultConfig())

	if _, err := p.Start(context.Background(), fakeSource{}); !errors.Is(err, audio.ErrEmptyInput) {
		t.Errorf("Expected ErrEmptyInput, got %v", err)
	}

	cfg := DefaultConfig()
	cfg.Chunking.Overlap = cfg.Chunking.ChunkDuration
	if _, err := New(p.client, cfg, nil, nil); !errors.Is(err, audio.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestJobWaitAbandoned(t *testing.T) {
	release := make(chan struct{})
	submit := func(ctx context.Context, req transcription.Request) (string, error) {
		<-release
		return "late", nil
	}

	cfg, src := testConfig(2, 2)
	p := newTestPipeline(t, submit, cfg)

	job, _ := p.Start(context.Background(), src)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := job.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}

	if job.IsDone() || job.Result() != nil {
		t.Error("Job should still be running")
	}

	close(release)
	<-job.Done()

	if job.State() != JobCompleted {
		t.Errorf("Expected completed, got %s", job.State())
	}
}
