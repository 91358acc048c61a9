package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies why a single chunk submission failed
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTimeout
	KindNetwork
	KindServer
	KindRateLimited
	KindAuth
	KindMalformed
	KindQuotaExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindMalformed:
		return "malformed"
	case KindQuotaExceeded:
		return "quota_exceeded"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may succeed
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetwork, KindServer, KindRateLimited:
		return true
	default:
		return false
	}
}

// Sentinel errors matched by errors.Is against a *ChunkError of the same kind
var (
	ErrTimeout          = errors.New("transcription request timed out")
	ErrNetwork          = errors.New("transcription network error")
	ErrServer           = errors.New("transcription server error")
	ErrRateLimited      = errors.New("transcription rate limited")
	ErrAuth             = errors.New("invalid or expired credentials")
	ErrMalformedRequest = errors.New("malformed transcription request")
	ErrQuotaExceeded    = errors.New("transcription quota exceeded")
	ErrUnclassified     = errors.New("unclassified transcription error")
)

var kindSentinels = map[ErrorKind]error{
	KindTimeout:       ErrTimeout,
	KindNetwork:       ErrNetwork,
	KindServer:        ErrServer,
	KindRateLimited:   ErrRateLimited,
	KindAuth:          ErrAuth,
	KindMalformed:     ErrMalformedRequest,
	KindQuotaExceeded: ErrQuotaExceeded,
	KindUnknown:       ErrUnclassified,
}

// ChunkError is a classified failure of one submission
type ChunkError struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *ChunkError) Error() string {
	var b strings.Builder
	b.WriteString(kindSentinels[e.Kind].Error())

	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %s)", e.RetryAfter)
	}

	return b.String()
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the same kind
func (e *ChunkError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Retryable reports whether the failure is transient
func (e *ChunkError) Retryable() bool {
	return e.Kind.Retryable()
}

// Fatal reports whether retrying can never succeed
func (e *ChunkError) Fatal() bool {
	return !e.Kind.Retryable()
}

// NewChunkError wraps err with a classification
func NewChunkError(kind ErrorKind, err error) *ChunkError {
	return &ChunkError{Kind: kind, Err: err}
}

// IsFatal reports whether err is a classified non-retryable failure
func IsFatal(err error) bool {
	var ce *ChunkError
	return errors.As(err, &ce) && ce.Fatal()
}

// Classify maps an arbitrary submission error onto the taxonomy. Errors
// that match no known transient condition are treated as non-retryable.
func Classify(err error) *ChunkError {
	if err == nil {
		return nil
	}

	var ce *ChunkError
	if errors.As(err, &ce) {
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewChunkError(KindTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewChunkError(KindTimeout, err)
		}
		return NewChunkError(KindNetwork, err)
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return NewChunkError(KindNetwork, err)
	}

	return NewChunkError(KindUnknown, err)
}

// ClassifyStatus classifies a non-2xx HTTP response
func ClassifyStatus(statusCode int, retryAfter time.Duration, message string) *ChunkError {
	ce := &ChunkError{StatusCode: statusCode, Message: message}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		ce.Kind = KindAuth
	case statusCode == http.StatusPaymentRequired:
		ce.Kind = KindQuotaExceeded
	case statusCode == http.StatusTooManyRequests:
		ce.Kind = KindRateLimited
		ce.RetryAfter = retryAfter
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		ce.Kind = KindTimeout
	case statusCode >= 500:
		ce.Kind = KindServer
		if statusCode == http.StatusServiceUnavailable {
			ce.RetryAfter = retryAfter
		}
	case statusCode >= 400:
		ce.Kind = KindMalformed
	default:
		ce.Kind = KindUnknown
	}

	return ce
}

// ParseRetryAfter reads a Retry-After header given as delay-seconds or an HTTP-date
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}
