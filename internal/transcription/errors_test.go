package transcription

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code      int
		kind      ErrorKind
		retryable bool
	}{
		{http.StatusUnauthorized, KindAuth, false},
		{http.StatusForbidden, KindAuth, false},
		{http.StatusPaymentRequired, KindQuotaExceeded, false},
		{http.StatusBadRequest, KindMalformed, false},
		{http.StatusRequestEntityTooLarge, KindMalformed, false},
		{http.StatusTooManyRequests, KindRateLimited, true},
		{http.StatusRequestTimeout, KindTimeout, true},
		{http.StatusInternalServerError, KindServer, true},
		{http.StatusBadGateway, KindServer, true},
		{http.StatusGatewayTimeout, KindTimeout, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.code), func(t *testing.T) {
			ce := ClassifyStatus(tt.code, 0, "body")
			if ce.Kind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, ce.Kind)
			}
			if ce.Retryable() != tt.retryable {
				t.Errorf("Expected retryable %v, got %v", tt.retryable, ce.Retryable())
			}
			if ce.StatusCode != tt.code {
				t.Errorf("Expected status %d, got %d", tt.code, ce.StatusCode)
			}
		})
	}
}

func TestClassifyStatusRetryAfter(t *testing.T) {
	ce := ClassifyStatus(http.StatusTooManyRequests, 3*time.Second, "slow down")
	if ce.RetryAfter != 3*time.Second {
		t.Errorf("Expected retry after 3s, got %s", ce.RetryAfter)
	}

	if !errors.Is(ce, ErrRateLimited) {
		t.Error("Expected error to match ErrRateLimited")
	}

	if errors.Is(ce, ErrAuth) {
		t.Error("Rate limit error must not match ErrAuth")
	}
}

type fakeNetError struct{ timeout bool }

func (e fakeNetError) Error() string   { return "fake net error" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (e fakeNetError) Temporary() bool { return false }

var _ net.Error = fakeNetError{}

func TestClassify(t *testing.T) {
	auth := ClassifyStatus(http.StatusUnauthorized, 0, "")

	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{"net timeout", fakeNetError{timeout: true}, KindTimeout},
		{"net error", fakeNetError{}, KindNetwork},
		{"already classified", fmt.Errorf("wrapped: %w", auth), KindAuth},
		{"unknown", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := Classify(tt.err)
			if ce.Kind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, ce.Kind)
			}
		})
	}

	if Classify(nil) != nil {
		t.Error("Expected nil for nil error")
	}

	if Classify(errors.New("boom")).Retryable() {
		t.Error("Unclassified errors must not be retried")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(fmt.Errorf("chunk 0: %w", ClassifyStatus(http.StatusForbidden, 0, ""))) {
		t.Error("Expected auth error to be fatal")
	}

	if IsFatal(ClassifyStatus(http.StatusServiceUnavailable, 0, "")) {
		t.Error("Expected 503 to be retryable")
	}

	if IsFatal(errors.New("plain")) {
		t.Error("Unclassified plain errors are not reported as fatal")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"0", 0},
		{"-3", 0},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second},
		{now.Add(-10 * time.Second).Format(http.TimeFormat), 0},
		{"soon", 0},
	}

	for _, tt := range tests {
		if got := ParseRetryAfter(tt.value, now); got != tt.expected {
			t.Errorf("ParseRetryAfter(%q): expected %s, got %s", tt.value, tt.expected, got)
		}
	}
}

func TestChunkErrorMessage(t *testing.T) {
	ce := ClassifyStatus(http.StatusTooManyRequests, 2*time.Second, "quota window full")
	expected := "transcription rate limited (HTTP 429): quota window full (retry after 2s)"
	if ce.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, ce.Error())
	}
}
