// Package classifier implements the Error Classifier (C1): it turns an
// opaque error returned by a remote executor into a types.ErrorKind the
// Retry Engine, Circuit Breaker, and Fallback Engine can act on, plus
// whatever rate-limit metadata can be recovered from it.
package classifier

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/relaycore/actioncore/pkg/types"
)

// StatusCoder is implemented by executor errors that carry an HTTP-style
// status code (e.g. a wrapped *http.Response error).
type StatusCoder interface {
	StatusCode() int
}

// RateLimitProvider is implemented by executor errors that already know
// their own rate-limit metadata (reset time, retry-after, remaining/limit
// quota), bypassing header-string parsing entirely.
type RateLimitProvider interface {
	RateLimitHint() types.RateLimitHint
}

// ClassifiedError wraps an executor failure with its classified Kind.
// internal/errors.GetType does not map it onto an ErrorType: GetType reads
// only *AppError and reports a *ClassifiedError as ErrorTypeInternal.
type ClassifiedError struct {
	Kind types.ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func (e *ClassifiedError) Kind_() types.ErrorKind { return e.Kind }

var authSubstrings = []string{
	"unauthorized", "forbidden", "invalid credentials", "invalid api key",
	"invalid token", "expired token", "authentication failed", "permission denied",
}

var validationSubstrings = []string{
	"invalid request", "invalid parameter", "bad request", "validation failed",
	"missing required", "malformed",
}

var rateLimitSubstrings = []string{
	"rate limit", "too many requests", "throttled", "quota exceeded",
}

// Classify inspects err and returns its ErrorKind. Rules are evaluated in a
// fixed order and the first match wins: Canceled, RateLimit, Auth,
// Validation, Network, Timeout, Api (any recognized status code not already
// matched), Unknown.
func Classify(err error) types.ErrorKind {
	if err == nil {
		return types.ErrorKindUnknown
	}

	if errors.Is(err, context.Canceled) {
		return types.ErrorKindCanceled
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Kind
	}

	msg := strings.ToLower(err.Error())

	if matchesAny(msg, rateLimitSubstrings) || statusCode(err) == 429 {
		return types.ErrorKindRateLimit
	}

	if matchesAny(msg, authSubstrings) {
		return types.ErrorKindAuth
	}
	if sc := statusCode(err); sc == 401 || sc == 403 {
		return types.ErrorKindAuth
	}

	if matchesAny(msg, validationSubstrings) {
		return types.ErrorKindValidation
	}
	if sc := statusCode(err); sc == 400 || sc == 422 {
		return types.ErrorKindValidation
	}

	if isNetworkError(err) {
		return types.ErrorKindNetwork
	}

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return types.ErrorKindTimeout
	}

	if sc := statusCode(err); sc >= 400 {
		return types.ErrorKindAPI
	}

	return types.ErrorKindUnknown
}

func matchesAny(msg string, substrings []string) bool {
	for _, s := range substrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func statusCode(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "no such host", "network is unreachable", "broken pipe", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// ExtractRateLimit recovers whatever rate-limit metadata it can from err. If
// err implements RateLimitProvider that hint is returned verbatim; otherwise
// the error message is scanned for a "retry-after: <seconds>" style
// fragment (best-effort, never fails).
func ExtractRateLimit(err error) types.RateLimitHint {
	var provider RateLimitProvider
	if errors.As(err, &provider) {
		return provider.RateLimitHint()
	}

	hint := types.RateLimitHint{}
	msg := strings.ToLower(err.Error())
	if idx := strings.Index(msg, "retry-after:"); idx >= 0 {
		rest := strings.TrimSpace(msg[idx+len("retry-after:"):])
		fields := strings.FieldsFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
		if len(fields) > 0 {
			if secs, convErr := strconv.Atoi(fields[0]); convErr == nil {
				hint.RetryAfterSec = &secs
				resetAt := time.Now().Add(time.Duration(secs) * time.Second)
				hint.ResetAt = &resetAt
			}
		}
	}
	return hint
}
