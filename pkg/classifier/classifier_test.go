package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/relaycore/actioncore/pkg/types"
)

type statusCodeError struct {
	code int
	msg  string
}

func (e *statusCodeError) Error() string   { return e.msg }
func (e *statusCodeError) StatusCode() int { return e.code }

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected types.ErrorKind
	}{
		{"nil error", nil, types.ErrorKindUnknown},
		{"canceled", context.Canceled, types.ErrorKindCanceled},
		{"rate limit message", errors.New("rate limit exceeded"), types.ErrorKindRateLimit},
		{"429 status", &statusCodeError{code: 429, msg: "too many requests"}, types.ErrorKindRateLimit},
		{"unauthorized message", errors.New("unauthorized: invalid api key"), types.ErrorKindAuth},
		{"401 status", &statusCodeError{code: 401, msg: "denied"}, types.ErrorKindAuth},
		{"validation message", errors.New("invalid parameter: target"), types.ErrorKindValidation},
		{"400 status", &statusCodeError{code: 400, msg: "bad"}, types.ErrorKindValidation},
		{"connection refused", errors.New("dial tcp: connection refused"), types.ErrorKindNetwork},
		{"deadline exceeded", context.DeadlineExceeded, types.ErrorKindTimeout},
		{"timeout message", errors.New("request timeout after 30s"), types.ErrorKindTimeout},
		{"500 status", &statusCodeError{code: 500, msg: "server error"}, types.ErrorKindAPI},
		{"unrecognized", errors.New("something went sideways"), types.ErrorKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestClassify_PreClassifiedPassesThrough(t *testing.T) {
	inner := errors.New("boom")
	wrapped := &ClassifiedError{Kind: types.ErrorKindAuth, Err: inner}

	if got := Classify(wrapped); got != types.ErrorKindAuth {
		t.Errorf("Classify(pre-classified) = %v, want %v", got, types.ErrorKindAuth)
	}
	if !errors.Is(wrapped, inner) {
		t.Error("ClassifiedError should unwrap to its inner error")
	}
}

func TestExtractRateLimit_FromMessage(t *testing.T) {
	err := errors.New("rate limit exceeded, retry-after: 30")
	hint := ExtractRateLimit(err)

	if hint.RetryAfterSec == nil || *hint.RetryAfterSec != 30 {
		t.Fatalf("expected RetryAfterSec=30, got %v", hint.RetryAfterSec)
	}
	if hint.ResetAt == nil {
		t.Error("expected ResetAt to be populated")
	}
}

func TestExtractRateLimit_NoHint(t *testing.T) {
	err := errors.New("some unrelated failure")
	hint := ExtractRateLimit(err)

	if hint.RetryAfterSec != nil {
		t.Errorf("expected no RetryAfterSec, got %v", hint.RetryAfterSec)
	}
}

type rateLimitProviderError struct {
	hint types.RateLimitHint
}

func (e *rateLimitProviderError) Error() string                        { return "rate limited" }
func (e *rateLimitProviderError) RateLimitHint() types.RateLimitHint { return e.hint }

func TestExtractRateLimit_FromProvider(t *testing.T) {
	remaining := 0
	err := &rateLimitProviderError{hint: types.RateLimitHint{Remaining: &remaining}}

	hint := ExtractRateLimit(err)
	if hint.Remaining == nil || *hint.Remaining != 0 {
		t.Fatalf("expected Remaining=0 from provider, got %v", hint.Remaining)
	}
}
