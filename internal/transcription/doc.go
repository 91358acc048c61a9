// Package transcription submits audio chunks to remote speech-to-text services.
// It classifies failures into retryable and fatal kinds and wraps any Submitter
// with per-attempt timeouts and exponential backoff with jitter.
package transcription
