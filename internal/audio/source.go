package audio

import (
	"fmt"
	"io"
	"time"
)

// Source is a byte-range-addressable audio recording of known duration
type Source interface {
	// Duration returns the total length of the recording
	Duration() time.Duration

	// ReadRange returns the encoded audio between two offsets, ready to
	// be submitted as a standalone file
	ReadRange(start, end time.Duration) ([]byte, error)
}

// PCMSource serves ranges of an in-memory PCM recording as WAV files
type PCMSource struct {
	pcm      []byte
	format   Format
	duration time.Duration
}

// NewPCMSource creates a source over raw interleaved PCM bytes
func NewPCMSource(pcm []byte, format Format) (*PCMSource, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	pcm = pcm[:len(pcm)-len(pcm)%format.BytesPerFrame()]

	return &PCMSource{
		pcm:      pcm,
		format:   format,
		duration: format.DurationOf(len(pcm)),
	}, nil
}

// ReadWAV reads a whole WAV file and returns a source over its PCM data
func ReadWAV(r io.Reader) (*PCMSource, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAV data: %w", err)
	}

	pcm, format, err := DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}

	src, err := NewPCMSource(pcm, format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}
	return src, nil
}

// Duration returns the total length of the recording
func (s *PCMSource) Duration() time.Duration {
	return s.duration
}

// Format returns the PCM format of the recording
func (s *PCMSource) Format() Format {
	return s.format
}

// Size returns the number of PCM bytes held
func (s *PCMSource) Size() int {
	return len(s.pcm)
}

// ReadRange returns the frame-aligned segment [start, end) as a WAV file
func (s *PCMSource) ReadRange(start, end time.Duration) ([]byte, error) {
	if start < 0 || end <= start {
		return nil, fmt.Errorf("invalid range [%s, %s]", start, end)
	}

	if start >= s.duration {
		return nil, fmt.Errorf("range start %s is beyond audio duration %s", start, s.duration)
	}

	from := s.format.OffsetOf(start)
	to := len(s.pcm)
	if end < s.duration {
		to = s.format.OffsetOf(end)
	}

	if to <= from {
		to = from + s.format.BytesPerFrame()
	}

	return EncodeWAV(s.pcm[from:to], s.format)
}
