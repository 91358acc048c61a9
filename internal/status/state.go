package status

import (
	"fmt"
)

// Phase enumerates the lifecycle positions of a chunk
type Phase int

const (
	PhasePending Phase = iota
	PhaseInFlight
	PhaseRetrying
	PhaseSucceeded
	PhaseFailed
	PhaseCancelled
)

var phaseNames = map[Phase]string{
	PhasePending:   "pending",
	PhaseInFlight:  "in_flight",
	PhaseRetrying:  "retrying",
	PhaseSucceeded: "succeeded",
	PhaseFailed:    "failed",
	PhaseCancelled: "cancelled",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText encodes the phase by name
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Terminal reports whether no further transition can leave this phase
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseCancelled
}

// Active reports whether a chunk in this phase holds a concurrency slot
func (p Phase) Active() bool {
	return p == PhaseInFlight || p == PhaseRetrying
}

// ChunkState is the current state of one chunk. Attempt is the 1-based
// attempt number for in-flight/retrying chunks and the total attempts made
// for terminal ones. Text is set only when succeeded, Err only when failed
// or cancelled.
type ChunkState struct {
	Phase   Phase  `json:"phase"`
	Attempt int    `json:"attempt,omitempty"`
	Text    string `json:"text,omitempty"`
	Err     error  `json:"-"`
}

// Pending returns the initial state of every chunk
func Pending() ChunkState {
	return ChunkState{Phase: PhasePending}
}

// InFlight marks the start of an attempt
func InFlight(attempt int) ChunkState {
	return ChunkState{Phase: PhaseInFlight, Attempt: attempt}
}

// Retrying marks a failed attempt that will be retried after backoff
func Retrying(attempt int, err error) ChunkState {
	return ChunkState{Phase: PhaseRetrying, Attempt: attempt, Err: err}
}

// Succeeded is the terminal success state
func Succeeded(text string, attempts int) ChunkState {
	return ChunkState{Phase: PhaseSucceeded, Attempt: attempts, Text: text}
}

// Failed is the terminal failure state
func Failed(err error, attempts int) ChunkState {
	return ChunkState{Phase: PhaseFailed, Attempt: attempts, Err: err}
}

// Cancelled is the terminal state of a chunk stopped by cancellation
func Cancelled(cause error, attempts int) ChunkState {
	return ChunkState{Phase: PhaseCancelled, Attempt: attempts, Err: cause}
}

// ErrorMessage returns the error text or an empty string
func (s ChunkState) ErrorMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

func (s ChunkState) String() string {
	switch s.Phase {
	case PhaseInFlight, PhaseSucceeded:
		return fmt.Sprintf("%s(attempt=%d)", s.Phase, s.Attempt)
	case PhaseRetrying, PhaseFailed, PhaseCancelled:
		return fmt.Sprintf("%s(attempt=%d, err=%v)", s.Phase, s.Attempt, s.Err)
	default:
		return s.Phase.String()
	}
}

// allowed lists the legal transitions. Nothing returns to pending and
// terminal phases have no outgoing edges.
var allowed = map[Phase][]Phase{
	PhasePending:  {PhaseInFlight, PhaseFailed, PhaseCancelled},
	PhaseInFlight: {PhaseRetrying, PhaseSucceeded, PhaseFailed, PhaseCancelled},
	PhaseRetrying: {PhaseInFlight, PhaseFailed, PhaseCancelled},
}

// CanTransition reports whether from -> to is a legal transition
func CanTransition(from, to Phase) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}
