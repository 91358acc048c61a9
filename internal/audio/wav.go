package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidWAV is returned by ReadWAV for input that is not usable PCM WAV
var ErrInvalidWAV = errors.New("invalid WAV input")

// WAVHeader represents the canonical 44-byte header of a PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

const wavHeaderSize = 44

// Format describes interleaved linear PCM audio
type Format struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
}

// Validate checks that the format is 16-bit linear PCM
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}

	if f.Channels < 1 || f.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", f.Channels)
	}

	if f.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", f.BitsPerSample)
	}

	return nil
}

// BytesPerFrame returns the size of one sample across all channels
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

// DurationOf returns the playback duration of n bytes of PCM data
func (f Format) DurationOf(n int) time.Duration {
	frames := int64(n / f.BytesPerFrame())
	return time.Duration(frames * int64(time.Second) / int64(f.SampleRate))
}

// OffsetOf returns the frame-aligned byte offset of a time position
func (f Format) OffsetOf(d time.Duration) int {
	frames := int64(d) * int64(f.SampleRate) / int64(time.Second)
	return int(frames) * f.BytesPerFrame()
}

// EncodeWAV wraps raw PCM bytes in a WAV container
func EncodeWAV(pcm []byte, format Format) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio data")
	}

	if err := format.Validate(); err != nil {
		return nil, err
	}

	if len(pcm)%format.BytesPerFrame() != 0 {
		return nil, fmt.Errorf("audio data length %d is not a multiple of frame size %d", len(pcm), format.BytesPerFrame())
	}

	dataSize := uint32(len(pcm))
	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.SampleRate * format.BytesPerFrame()),
		BlockAlign:    uint16(format.BytesPerFrame()),
		BitsPerSample: uint16(format.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// DecodeWAV extracts the PCM payload and format of a WAV file. Chunks other
// than "fmt " and "data" (LIST, fact, ...) are skipped.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < 12 {
		return nil, Format{}, fmt.Errorf("WAV data too short: need at least 12 bytes, got %d", len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return nil, Format{}, fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var format Format
	haveFormat := false
	pos := 12

	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8

		switch id {
		case "fmt ":
			if size < 16 || body+size > len(data) {
				return nil, Format{}, fmt.Errorf("invalid WAV file: truncated fmt chunk")
			}
			audioFormat := binary.LittleEndian.Uint16(data[body : body+2])
			if audioFormat != 1 {
				return nil, Format{}, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", audioFormat)
			}
			format = Format{
				Channels:      int(binary.LittleEndian.Uint16(data[body+2 : body+4])),
				SampleRate:    int(binary.LittleEndian.Uint32(data[body+4 : body+8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(data[body+14 : body+16])),
			}
			if err := format.Validate(); err != nil {
				return nil, Format{}, err
			}
			haveFormat = true

		case "data":
			if !haveFormat {
				return nil, Format{}, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			end := body + size
			if end > len(data) {
				// Streaming writers leave the size unset; take what is present.
				end = len(data)
			}
			pcm := data[body:end]
			pcm = pcm[:len(pcm)-len(pcm)%format.BytesPerFrame()]
			if len(pcm) == 0 {
				return nil, Format{}, fmt.Errorf("no audio data found")
			}
			return pcm, format, nil
		}

		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}

	if !haveFormat {
		return nil, Format{}, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	return nil, Format{}, fmt.Errorf("invalid WAV file: missing data chunk")
}

// WAVInfo contains basic information about a WAV file
type WAVInfo struct {
	SampleRate    int     `json:"sample_rate"`
	Channels      int     `json:"channels"`
	BitsPerSample int     `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      int     `json:"data_size_bytes"`
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	pcm, format, err := DecodeWAV(data)
	if err != nil {
		return nil, err
	}

	return &WAVInfo{
		SampleRate:    format.SampleRate,
		Channels:      format.Channels,
		BitsPerSample: format.BitsPerSample,
		Duration:      format.DurationOf(len(pcm)).Seconds(),
		DataSize:      len(pcm),
	}, nil
}
