package audio

import (
	"errors"
	"fmt"
	"time"
)

// Planning errors
var (
	// ErrEmptyInput indicates the source audio has no duration to plan over
	ErrEmptyInput = errors.New("audio duration must be positive")

	// ErrInvalidConfig indicates the chunk duration or overlap cannot produce a valid plan
	ErrInvalidConfig = errors.New("invalid chunking configuration")
)

// DefaultChunkDuration is the chunk length used when none is configured
const DefaultChunkDuration = 45 * time.Second

// Chunk is a bounded time range of the source audio submitted on its own
type Chunk struct {
	Index int           `json:"index"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Duration returns the length of the chunk, overlap included
func (c Chunk) Duration() time.Duration {
	return c.End - c.Start
}

// String formats the chunk as "#index [start-end]"
func (c Chunk) String() string {
	return fmt.Sprintf("#%d [%s-%s]", c.Index, c.Start, c.End)
}

// ChunkingConfig contains configuration for the chunk planner
type ChunkingConfig struct {
	ChunkDuration time.Duration
	Overlap       time.Duration
}

// Validate checks that the configuration can produce contiguous chunks
func (c ChunkingConfig) Validate() error {
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("%w: chunk duration must be positive, got %s", ErrInvalidConfig, c.ChunkDuration)
	}

	if c.Overlap < 0 {
		return fmt.Errorf("%w: overlap cannot be negative, got %s", ErrInvalidConfig, c.Overlap)
	}

	if c.Overlap >= c.ChunkDuration {
		return fmt.Errorf("%w: overlap (%s) must be shorter than chunk duration (%s)",
			ErrInvalidConfig, c.Overlap, c.ChunkDuration)
	}

	return nil
}

// Plan splits an audio duration into ordered, contiguous chunks.
//
// Chunk i spans [max(0, i*C-O), min(D, (i+1)*C)] and there are ceil(D/C)
// chunks. When D <= C a single chunk [0, D] is returned and callers should
// transcribe it directly instead of running the parallel pipeline.
func Plan(total time.Duration, config ChunkingConfig) ([]Chunk, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if total <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrEmptyInput, total)
	}

	size := config.ChunkDuration
	if total <= size {
		return []Chunk{{Index: 0, Start: 0, End: total}}, nil
	}

	count := int((total + size - 1) / size)
	chunks := make([]Chunk, 0, count)

	for i := 0; i < count; i++ {
		start := time.Duration(i)*size - config.Overlap
		if start < 0 {
			start = 0
		}

		end := time.Duration(i+1) * size
		if end > total {
			end = total
		}

		chunks = append(chunks, Chunk{Index: i, Start: start, End: end})
	}

	return chunks, nil
}

// IsSingleChunk reports whether a plan should bypass the parallel pipeline
func IsSingleChunk(chunks []Chunk) bool {
	return len(chunks) == 1
}
