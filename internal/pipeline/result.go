package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/skypro1111/chunkscribe/internal/audio"
	"github.com/skypro1111/chunkscribe/internal/status"
)

var (
	// ErrCancelled is returned when the caller cancels a job before it completes
	ErrCancelled = errors.New("transcription cancelled")

	// ErrJobDeadline is the cancellation cause when a job outlives its deadline
	ErrJobDeadline = errors.New("transcription job deadline exceeded")

	// ErrFastFail is the cancellation cause when fatal chunk errors stop a job early
	ErrFastFail = errors.New("transcription stopped after fatal chunk error")
)

// Outcome is the kind of aggregate result a job produced
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomePartialFailure
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomePartialFailure:
		return "partial_failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText encodes the outcome by name
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// ChunkFailure describes one chunk that did not produce text
type ChunkFailure struct {
	Index     int           `json:"index"`
	Start     time.Duration `json:"start"`
	End       time.Duration `json:"end"`
	Attempts  int           `json:"attempts"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Error     string        `json:"error"`
	Err       error         `json:"-"`
}

func (f ChunkFailure) String() string {
	return fmt.Sprintf("chunk %d [%s-%s]: %s", f.Index, f.Start, f.End, f.Error)
}

// ChunkResult is the terminal state of one chunk as emitted by the dispatcher
type ChunkResult struct {
	Chunk audio.Chunk
	State status.ChunkState
}

// Result is the aggregate outcome of a transcription job. Text is only set
// for OutcomeOK; Succeeded keeps every chunk text that did arrive so a
// partial transcript stays retrievable.
type Result struct {
	Outcome     Outcome        `json:"outcome"`
	Text        string         `json:"text,omitempty"`
	Succeeded   map[int]string `json:"succeeded,omitempty"`
	Failures    []ChunkFailure `json:"failures,omitempty"`
	TotalChunks int            `json:"total_chunks"`
	Elapsed     time.Duration  `json:"elapsed"`
}

// Err returns nil for a complete transcript, a *PartialFailureError when
// chunks failed, and ErrCancelled when the caller cancelled the job.
func (r *Result) Err() error {
	switch r.Outcome {
	case OutcomeOK:
		return nil
	case OutcomeCancelled:
		return ErrCancelled
	default:
		return &PartialFailureError{Failures: r.Failures, TotalChunks: r.TotalChunks}
	}
}

// FailedIndices returns the indices of every chunk without text, ascending
func (r *Result) FailedIndices() []int {
	indices := make([]int, len(r.Failures))
	for i, f := range r.Failures {
		indices[i] = f.Index
	}
	return indices
}

// PartialText joins the texts that did succeed in index order. Gaps are
// not marked; use Failures to locate them.
func (r *Result) PartialText() string {
	indices := make([]int, 0, len(r.Succeeded))
	for i := range r.Succeeded {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	parts := make([]string, 0, len(indices))
	for _, i := range indices {
		if text := strings.TrimSpace(r.Succeeded[i]); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// PartialFailureError reports which chunks of a job did not produce text
type PartialFailureError struct {
	Failures    []ChunkFailure
	TotalChunks int
}

func (e *PartialFailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transcription incomplete: %d of %d chunks failed", len(e.Failures), e.TotalChunks)
	for _, f := range e.Failures {
		b.WriteString("; ")
		b.WriteString(f.String())
	}
	return b.String()
}

// Unwrap exposes every chunk error so errors.Is can match a classification
func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}
