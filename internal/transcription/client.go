package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Request is one chunk submission
type Request struct {
	ChunkIndex  int
	TotalChunks int
	Audio       []byte
	Start       time.Duration
	End         time.Duration
}

// Submitter sends the audio of one chunk to a speech-to-text service and
// returns the recognized text. Failures should be classified with
// *ChunkError; unclassified errors are passed through Classify.
type Submitter interface {
	Submit(ctx context.Context, req Request) (string, error)
}

// SubmitterFunc adapts a function to the Submitter interface
type SubmitterFunc func(ctx context.Context, req Request) (string, error)

// Submit calls f(ctx, req)
func (f SubmitterFunc) Submit(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Config contains transcription service configuration
type Config struct {
	Endpoint     string
	APIKey       string
	Timeout      time.Duration
	Model        string
	Language     string
	OutputFormat string // "json" or "text"
}

// TranscriptionResponse represents a JSON response from the transcription API
type TranscriptionResponse struct {
	Text       string    `json:"text"`
	Language   string    `json:"language,omitempty"`
	Duration   float64   `json:"duration,omitempty"`
	Segments   []Segment `json:"segments,omitempty"`
	ChunkIndex int       `json:"chunk_index,omitempty"`
}

// Segment represents a segment of transcribed text
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// maxErrorBody bounds how much of an error response is kept in messages
const maxErrorBody = 512

// HTTPSubmitter posts chunks as multipart form data to a transcription endpoint
type HTTPSubmitter struct {
	config     Config
	httpClient *http.Client
}

// NewHTTPSubmitter creates a new transcription HTTP client
func NewHTTPSubmitter(config Config) (*HTTPSubmitter, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.OutputFormat == "" {
		config.OutputFormat = "json"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPSubmitter{
		config:     config,
		httpClient: httpClient,
	}, nil
}

// Submit performs a single HTTP request for one chunk
func (c *HTTPSubmitter) Submit(ctx context.Context, req Request) (string, error) {
	body, contentType, err := c.createMultipartRequest(req)
	if err != nil {
		return "", NewChunkError(KindMalformed, fmt.Errorf("failed to create multipart request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return "", NewChunkError(KindMalformed, fmt.Errorf("failed to create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "chunkscribe/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", Classify(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", NewChunkError(KindNetwork, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return "", ClassifyStatus(resp.StatusCode, retryAfter, truncate(string(respBody), maxErrorBody))
	}

	if c.config.OutputFormat == "text" {
		return strings.TrimSpace(string(respBody)), nil
	}

	var transcriptionResp TranscriptionResponse
	if err := json.Unmarshal(respBody, &transcriptionResp); err != nil {
		// A garbled body from a healthy endpoint is usually a proxy hiccup
		return "", NewChunkError(KindServer, fmt.Errorf("failed to parse response JSON: %w", err))
	}

	return strings.TrimSpace(transcriptionResp.Text), nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *HTTPSubmitter) createMultipartRequest(req Request) (io.Reader, string, error) {
	if len(req.Audio) == 0 {
		return nil, "", fmt.Errorf("chunk %d has no audio data", req.ChunkIndex)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := fmt.Sprintf("chunk_%03d.wav", req.ChunkIndex)
	fileWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(req.Audio); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"chunk_index", fmt.Sprintf("%d", req.ChunkIndex)},
		{"total_chunks", fmt.Sprintf("%d", req.TotalChunks)},
		{"start", fmt.Sprintf("%.3f", req.Start.Seconds())},
		{"end", fmt.Sprintf("%.3f", req.End.Seconds())},
		{"response_format", c.config.OutputFormat},
	}

	if c.config.Language != "" {
		fields = append(fields, [2]string{"language", c.config.Language})
	}
	if c.config.Model != "" {
		fields = append(fields, [2]string{"model", c.config.Model})
	}

	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", field[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
