package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAISubmitter transcribes chunks with the OpenAI audio transcription API
type OpenAISubmitter struct {
	client   *openai.Client
	model    string
	language string
}

// NewOpenAISubmitter creates a Whisper-backed submitter. A non-empty
// Endpoint replaces the API base URL, which also allows compatible servers.
func NewOpenAISubmitter(config Config) (*OpenAISubmitter, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.Endpoint != "" {
		clientConfig.BaseURL = strings.TrimSuffix(config.Endpoint, "/")
	}
	if config.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	model := config.Model
	if model == "" {
		model = openai.Whisper1
	}

	return &OpenAISubmitter{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    model,
		language: config.Language,
	}, nil
}

// Submit sends one chunk to the transcription endpoint
func (s *OpenAISubmitter) Submit(ctx context.Context, req Request) (string, error) {
	if len(req.Audio) == 0 {
		return "", NewChunkError(KindMalformed, fmt.Errorf("chunk %d has no audio data", req.ChunkIndex))
	}

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    s.model,
		FilePath: fmt.Sprintf("chunk_%03d.wav", req.ChunkIndex),
		Reader:   bytes.NewReader(req.Audio),
		Language: s.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}

	return strings.TrimSpace(resp.Text), nil
}

// classifyOpenAIError maps go-openai errors onto the chunk error taxonomy
func classifyOpenAIError(err error) *ChunkError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		// OpenAI reports exhausted billing as 429 with this code
		if code, ok := apiErr.Code.(string); ok && code == "insufficient_quota" {
			return &ChunkError{Kind: KindQuotaExceeded, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
		}
		ce := ClassifyStatus(apiErr.HTTPStatusCode, 0, apiErr.Message)
		ce.Err = err
		return ce
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		ce := ClassifyStatus(reqErr.HTTPStatusCode, 0, "")
		ce.Err = err
		return ce
	}

	return Classify(err)
}
