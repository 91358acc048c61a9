package status

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrInvalidTransition is returned when an update would break state monotonicity
	ErrInvalidTransition = errors.New("invalid chunk state transition")

	// ErrUnknownChunk is returned for indices outside the tracked range
	ErrUnknownChunk = errors.New("unknown chunk index")

	// ErrTrackerClosed is returned for updates after Close
	ErrTrackerClosed = errors.New("status tracker closed")
)

// Event is a single applied state change
type Event struct {
	ChunkIndex  int        `json:"chunk_index"`
	TotalChunks int        `json:"total_chunks"`
	State       ChunkState `json:"state"`
	Error       string     `json:"error,omitempty"`
	Seq         uint64     `json:"seq"`
	Time        time.Time  `json:"time"`
}

// Snapshot is a consistent point-in-time view of all chunk states
type Snapshot struct {
	States []ChunkState  `json:"states"`
	Counts map[Phase]int `json:"counts"`
	Seq    uint64        `json:"seq"`
	Total  int           `json:"total"`
	At     time.Time     `json:"at"`
}

// Terminal reports whether every chunk in the snapshot is terminal
func (s Snapshot) Terminal() bool {
	for _, state := range s.States {
		if !state.Phase.Terminal() {
			return false
		}
	}
	return true
}

// Active returns the number of chunks holding a concurrency slot
func (s Snapshot) Active() int {
	return s.Counts[PhaseInFlight] + s.Counts[PhaseRetrying]
}

// Tracker is the synchronized store of per-chunk state. Workers write
// through Update; observers read Snapshot or Subscribe and never block writers.
type Tracker struct {
	states []ChunkState
	seq    uint64
	closed bool

	subs   map[uint64]*Subscription
	nextID uint64

	mu sync.RWMutex
}

// NewTracker creates a tracker with every chunk pending
func NewTracker(total int) *Tracker {
	states := make([]ChunkState, total)
	for i := range states {
		states[i] = Pending()
	}

	return &Tracker{
		states: states,
		subs:   make(map[uint64]*Subscription),
	}
}

// Total returns the number of tracked chunks
func (t *Tracker) Total() int {
	return len(t.states)
}

// Update atomically applies a state change and fans it out to subscribers
func (t *Tracker) Update(index int, next ChunkState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTrackerClosed
	}

	if index < 0 || index >= len(t.states) {
		return fmt.Errorf("%w: %d (total %d)", ErrUnknownChunk, index, len(t.states))
	}

	current := t.states[index]
	if !CanTransition(current.Phase, next.Phase) {
		return fmt.Errorf("%w: chunk %d %s -> %s", ErrInvalidTransition, index, current.Phase, next.Phase)
	}

	t.states[index] = next
	t.seq++

	event := t.eventLocked(index, next)
	for _, sub := range t.subs {
		sub.push(event)
	}

	return nil
}

func (t *Tracker) eventLocked(index int, state ChunkState) Event {
	return Event{
		ChunkIndex:  index,
		TotalChunks: len(t.states),
		State:       state,
		Error:       state.ErrorMessage(),
		Seq:         t.seq,
		Time:        time.Now(),
	}
}

// State returns the current state of one chunk
func (t *Tracker) State(index int) (ChunkState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if index < 0 || index >= len(t.states) {
		return ChunkState{}, false
	}
	return t.states[index], true
}

// Snapshot returns a copy of all chunk states taken under the lock
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make([]ChunkState, len(t.states))
	copy(states, t.states)

	counts := make(map[Phase]int)
	for _, state := range states {
		counts[state.Phase]++
	}

	return Snapshot{
		States: states,
		Counts: counts,
		Seq:    t.seq,
		Total:  len(states),
		At:     time.Now(),
	}
}

// Subscribe registers an observer. The current state of every chunk is
// delivered first, followed by live updates in the order they were applied.
// A late subscriber may therefore see a state twice.
func (t *Tracker) Subscribe() *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := newSubscription(t, t.nextID)
	t.nextID++

	for i, state := range t.states {
		sub.push(t.eventLocked(i, state))
	}

	if t.closed {
		sub.finish()
	} else {
		t.subs[sub.id] = sub
	}

	go sub.pump()

	return sub
}

// Close stops accepting updates. Subscribers receive every queued event
// and then see their channel closed.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true

	for id, sub := range t.subs {
		sub.finish()
		delete(t.subs, id)
	}
}

func (t *Tracker) unsubscribe(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
}

// Subscription delivers tracker events over a channel. Each subscription
// owns an unbounded queue so a slow reader never stalls Update.
type Subscription struct {
	tracker *Tracker
	id      uint64

	queue    []Event
	finished bool
	mu       sync.Mutex

	notify   chan struct{}
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscription(t *Tracker, id uint64) *Subscription {
	return &Subscription{
		tracker: t,
		id:      id,
		notify:  make(chan struct{}, 1),
		events:  make(chan Event),
		done:    make(chan struct{}),
	}
}

// Events returns the delivery channel. It is closed after the tracker is
// closed and drained, or after Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close unsubscribes and releases the delivery goroutine
func (s *Subscription) Close() {
	s.stopOnce.Do(func() {
		s.tracker.unsubscribe(s.id)
		close(s.done)
	})
}

func (s *Subscription) push(event Event) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	s.wake()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()

	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.events)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finished := s.finished
			s.mu.Unlock()

			if finished {
				return
			}

			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		event := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}
}
