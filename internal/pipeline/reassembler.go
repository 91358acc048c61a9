package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/skypro1111/chunkscribe/internal/audio"
	"github.com/skypro1111/chunkscribe/internal/status"
)

// DefaultDedupeMaxWords bounds the boundary word match between adjacent chunks
const DefaultDedupeMaxWords = 8

// errMissingResult marks a chunk the dispatcher never reported
var errMissingResult = errors.New("no result for chunk")

// Reassembler joins chunk results into one transcript ordered by chunk index
type Reassembler struct {
	chunks         []audio.Chunk
	overlap        time.Duration
	dedupeMaxWords int
}

// NewReassembler creates a reassembler for the planned chunks. Boundary
// de-duplication runs only when overlap is positive and dedupeMaxWords > 0.
func NewReassembler(chunks []audio.Chunk, overlap time.Duration, dedupeMaxWords int) *Reassembler {
	return &Reassembler{
		chunks:         chunks,
		overlap:        overlap,
		dedupeMaxWords: dedupeMaxWords,
	}
}

// Collect blocks until results is closed and returns the terminal state of
// every chunk indexed by chunk index. Chunks with no result are failed.
func (r *Reassembler) Collect(results <-chan ChunkResult) []status.ChunkState {
	states := make([]status.ChunkState, len(r.chunks))
	seen := make([]bool, len(r.chunks))

	for res := range results {
		i := res.Chunk.Index
		if i < 0 || i >= len(states) {
			continue
		}
		states[i] = res.State
		seen[i] = true
	}

	for i := range states {
		if !seen[i] {
			states[i] = status.Failed(fmt.Errorf("%w %d", errMissingResult, i), 0)
		}
	}

	return states
}

// Assemble builds the aggregate result from terminal chunk states. cause
// is the job's cancellation cause, nil if the job was not cancelled.
// Caller cancellation yields OutcomeCancelled; fast-fail and deadline
// cancellations are reported as failures of the chunks they stopped.
func (r *Reassembler) Assemble(states []status.ChunkState, cause error) *Result {
	result := &Result{
		Succeeded:   make(map[int]string),
		TotalChunks: len(r.chunks),
	}

	cancelled := false
	for i, state := range states {
		if state.Phase == status.PhaseSucceeded {
			result.Succeeded[i] = state.Text
			continue
		}

		failure := ChunkFailure{
			Index:     i,
			Start:     r.chunks[i].Start,
			End:       r.chunks[i].End,
			Attempts:  state.Attempt,
			Cancelled: state.Phase == status.PhaseCancelled,
			Err:       state.Err,
			Error:     state.ErrorMessage(),
		}
		if failure.Err == nil {
			failure.Err = fmt.Errorf("chunk ended in state %s", state.Phase)
			failure.Error = failure.Err.Error()
		}

		cancelled = cancelled || failure.Cancelled
		result.Failures = append(result.Failures, failure)
	}

	switch {
	case len(result.Failures) == 0:
		result.Outcome = OutcomeOK
		result.Text = r.join(result.Succeeded)
	case cancelled && isCallerCancellation(cause):
		result.Outcome = OutcomeCancelled
	default:
		result.Outcome = OutcomePartialFailure
	}

	return result
}

func isCallerCancellation(cause error) bool {
	if cause == nil {
		return true
	}
	return !errors.Is(cause, ErrFastFail) && !errors.Is(cause, ErrJobDeadline)
}

// join concatenates chunk texts in ascending index order
func (r *Reassembler) join(texts map[int]string) string {
	var words []string

	for i := range r.chunks {
		next := strings.Fields(texts[i])
		if len(next) == 0 {
			continue
		}

		if r.overlap > 0 && r.dedupeMaxWords > 0 && len(words) > 0 {
			next = next[boundaryOverlap(words, next, r.dedupeMaxWords):]
		}

		words = append(words, next...)
	}

	return strings.Join(words, " ")
}

// boundaryOverlap returns how many leading words of next repeat the
// trailing words of prev, comparing at most maxWords words. Matching
// ignores case and punctuation. This is a heuristic: a phrase that is
// genuinely spoken twice across a boundary is collapsed too.
func boundaryOverlap(prev, next []string, maxWords int) int {
	limit := min(maxWords, len(prev), len(next))

	for k := limit; k > 0; k-- {
		tail := prev[len(prev)-k:]
		head := next[:k]

		match := true
		for j := 0; j < k; j++ {
			a, b := normalizeWord(tail[j]), normalizeWord(head[j])
			if a == "" || a != b {
				match = false
				break
			}
		}

		if match {
			return k
		}
	}

	return 0
}

func normalizeWord(word string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, word)
}
