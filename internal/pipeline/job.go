package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/skypro1111/chunkscribe/internal/audio"
	"github.com/skypro1111/chunkscribe/internal/status"
)

// JobState is the lifecycle position of a job
type JobState int

const (
	JobCreated JobState = iota
	JobRunning
	JobCompleted
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobCreated:
		return "created"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("job_state(%d)", int(s))
	}
}

// MarshalText encodes the job state by name
func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Job is one running transcription. Its chunk states are observable
// through Tracker while it runs; Wait returns the aggregate result.
type Job struct {
	ID        string
	Chunks    []audio.Chunk
	Duration  time.Duration
	CreatedAt time.Time

	tracker *status.Tracker
	cancel  context.CancelCauseFunc
	done    chan struct{}

	state      JobState
	result     *Result
	startedAt  time.Time
	finishedAt time.Time

	mu sync.RWMutex
}

// Tracker returns the per-chunk status tracker. It is closed when the job ends.
func (j *Job) Tracker() *status.Tracker {
	return j.tracker
}

// Cancel requests cancellation. Pending chunks never start and in-flight
// chunks are signalled; the job then completes as cancelled unless every
// chunk had already succeeded.
func (j *Job) Cancel() {
	j.cancel(ErrCancelled)
}

// Done is closed once the result is available
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx is done. The returned error is
// the result's Err, or ctx's error if waiting was abandoned.
func (j *Job) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-j.done:
		result := j.Result()
		return result, result.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the aggregate result, or nil while the job runs
func (j *Job) Result() *Result {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result
}

// State returns the current job state
func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// IsDone reports whether the job has produced its result
func (j *Job) IsDone() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Times returns when the job started and finished running. Zero values
// mean the transition has not happened yet.
func (j *Job) Times() (started, finished time.Time) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.startedAt, j.finishedAt
}

func (j *Job) setRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = JobRunning
	j.startedAt = time.Now()
}

func (j *Job) finish(result *Result) {
	j.mu.Lock()
	j.result = result
	j.finishedAt = time.Now()
	if result.Outcome == OutcomeCancelled {
		j.state = JobCancelled
	} else {
		j.state = JobCompleted
	}
	j.mu.Unlock()

	close(j.done)
}
