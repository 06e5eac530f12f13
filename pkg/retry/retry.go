// Package retry implements the Retry Engine (C2): it drives a single
// operation through the orchestration core's retry policy, classifying
// every failure with pkg/classifier, computing the next backoff delay, and
// giving Auth failures a single, attempt-uncounted refresh-and-retry before
// falling back to the normal backoff schedule.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"

	"github.com/relaycore/actioncore/pkg/classifier"
	"github.com/relaycore/actioncore/pkg/types"
)

// Hooks lets callers observe the engine's progress without coupling it to
// any particular logging or metrics backend.
type Hooks struct {
	OnAttempt func(attempt int, err error)
	OnRetry   func(attempt int, delay time.Duration, kind types.ErrorKind)
}

// Options configures a single Do call.
type Options struct {
	Platform    string
	Operation   string
	Policy      *types.Policy
	Hooks       Hooks
	TokenSource oauth2.TokenSource
}

// Exhausted is returned (wrapped) when every attempt has been spent without
// success.
type Exhausted struct {
	Attempts int
	LastErr  error
}

func (e *Exhausted) Error() string {
	return "retry attempts exhausted after " + itoa(e.Attempts) + " attempts: " + e.LastErr.Error()
}

func (e *Exhausted) Unwrap() error { return e.LastErr }

func (e *Exhausted) Kind_() types.ErrorKind { return types.ErrorKindRetryExhausted }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Do runs fn until it succeeds, the policy's attempts are exhausted, the
// global time cap elapses, or ctx is canceled, whichever comes first.
func Do[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts Options) (T, error) {
	var zero T

	policy := types.DefaultPolicy()
	if opts.Policy != nil {
		if err := opts.Policy.Validate(); err != nil {
			return zero, &classifier.ClassifiedError{Kind: types.ErrorKindValidation, Err: err}
		}
		policy = *opts.Policy
	}

	globalDeadline := time.Now().Add(policy.GlobalCap)
	authRefreshed := false

	var lastErr error
	attempt := 0
	for attempt < policy.MaxAttempts {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return zero, &classifier.ClassifiedError{Kind: types.ErrorKindCanceled, Err: err}
			}
			return zero, &classifier.ClassifiedError{Kind: types.ErrorKindTimeout, Err: err}
		}
		if time.Now().After(globalDeadline) {
			return zero, &Exhausted{Attempts: attempt, LastErr: lastErr}
		}

		attempt++

		attemptCtx := ctx
		var cancel context.CancelFunc
		if policy.TimeoutPerAttempt > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.TimeoutPerAttempt)
		}

		result, err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}

		if opts.Hooks.OnAttempt != nil {
			opts.Hooks.OnAttempt(attempt, err)
		}

		if err == nil {
			return result, nil
		}
		lastErr = err

		kind := classifier.Classify(err)

		if errors.Is(err, context.Canceled) {
			return zero, &classifier.ClassifiedError{Kind: types.ErrorKindCanceled, Err: err}
		}

		if kind == types.ErrorKindAuth && policy.RefreshAuthOnError && !authRefreshed && opts.TokenSource != nil {
			authRefreshed = true
			if refreshErr := refreshToken(ctx, opts.TokenSource); refreshErr == nil {
				attempt--
				continue
			}
		}

		if !policy.Retryable[kind] {
			return zero, &classifier.ClassifiedError{Kind: kind, Err: err}
		}

		if attempt >= policy.MaxAttempts {
			break
		}

		delay := backoffDelay(policy, attempt)
		if kind == types.ErrorKindRateLimit {
			delay = rateLimitDelay(policy, err, delay)
		}

		if opts.Hooks.OnRetry != nil {
			opts.Hooks.OnRetry(attempt, delay, kind)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &classifier.ClassifiedError{Kind: types.ErrorKindCanceled, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	return zero, &Exhausted{Attempts: attempt, LastErr: lastErr}
}

// backoffDelay computes the base delay for the given 1-indexed attempt
// number according to the policy's strategy, then applies jitter.
func backoffDelay(policy types.Policy, attempt int) time.Duration {
	var base time.Duration
	switch policy.Backoff {
	case types.BackoffLinear:
		base = policy.InitialDelay * time.Duration(attempt)
	case types.BackoffFixed:
		base = policy.InitialDelay
	case types.BackoffFibonacci:
		base = policy.InitialDelay * time.Duration(fibonacci(attempt))
	case types.BackoffExponential:
		fallthrough
	default:
		mult := 1.0
		for i := 0; i < attempt-1; i++ {
			mult *= policy.Multiplier
		}
		base = time.Duration(float64(policy.InitialDelay) * mult)
	}

	if base > policy.MaxDelay {
		base = policy.MaxDelay
	}
	return applyJitter(base, policy.JitterFraction)
}

func fibonacci(n int) int {
	if n <= 1 {
		return 1
	}
	a, b := 1, 1
	for i := 2; i < n; i++ {
		a, b = b, a+b
	}
	return b
}

func applyJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	spread := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * spread
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		result = 0
	}
	return result
}

// refreshToken runs the one-shot Auth refresh. It is itself retried a
// bounded, short number of times with an exponential backoff, via
// cenkalti/backoff/v5, to absorb a transient network blip on the token
// endpoint without counting against the policy's own attempt budget.
func refreshToken(ctx context.Context, ts oauth2.TokenSource) error {
	_, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		return ts.Token()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(100*time.Millisecond),
			backoff.WithMaxElapsedTime(2*time.Second),
		)),
		backoff.WithMaxTries(3),
	)
	return err
}

// rateLimitDelay overrides the computed backoff delay with a rate-limit
// specific one when the executor error carries reset/retry-after metadata:
// wait until resetAt/retryAfter plus the policy's buffer, capped at
// MaxDelay. Falls back to the already-computed delay when no hint is
// present.
func rateLimitDelay(policy types.Policy, err error, computed time.Duration) time.Duration {
	hint := classifier.ExtractRateLimit(err)

	var wait time.Duration
	switch {
	case hint.ResetAt != nil:
		wait = time.Until(*hint.ResetAt) + policy.RateLimitBuffer
	case hint.RetryAfterSec != nil:
		wait = time.Duration(*hint.RetryAfterSec)*time.Second + policy.RateLimitBuffer
	default:
		return computed
	}

	if wait < 0 {
		wait = policy.RateLimitBuffer
	}
	if wait > policy.MaxDelay {
		wait = policy.MaxDelay
	}
	return wait
}
