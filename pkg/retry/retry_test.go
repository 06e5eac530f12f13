package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaycore/actioncore/pkg/classifier"
	"github.com/relaycore/actioncore/pkg/types"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	}, Options{Platform: "test", Operation: "noop"})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q, want %q", result, "ok")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesRetryableThenSucceeds(t *testing.T) {
	calls := 0
	policy := types.DefaultPolicy()
	policy.InitialDelay = time.Millisecond
	policy.MaxDelay = 5 * time.Millisecond

	result, err := Do(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection refused")
		}
		return 42, nil
	}, Options{Platform: "test", Operation: "flaky", Policy: &policy})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("result = %d, want 42", result)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("invalid parameter: target")
	}, Options{Platform: "test", Operation: "bad-input"})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (validation errors are not retryable)", calls)
	}
	var classified *classifier.ClassifiedError
	if !errors.As(err, &classified) || classified.Kind != types.ErrorKindValidation {
		t.Errorf("expected ClassifiedError{Validation}, got %v", err)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	policy := types.DefaultPolicy()
	policy.MaxAttempts = 2
	policy.InitialDelay = time.Millisecond
	policy.MaxDelay = 2 * time.Millisecond

	calls := 0
	_, err := Do(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("timeout")
	}, Options{Platform: "test", Operation: "always-fails", Policy: &policy})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	var exhausted *Exhausted
	if !errors.As(err, &exhausted) {
		t.Errorf("expected *Exhausted, got %T: %v", err, err)
	}
}

func TestDo_CanceledContextStopsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, func(ctx context.Context) (int, error) {
		return 0, nil
	}, Options{Platform: "test", Operation: "canceled"})

	var classified *classifier.ClassifiedError
	if !errors.As(err, &classified) || classified.Kind != types.ErrorKindCanceled {
		t.Errorf("expected ClassifiedError{Canceled}, got %v", err)
	}
}

func TestBackoffDelay_Exponential(t *testing.T) {
	policy := types.DefaultPolicy()
	policy.JitterFraction = 0
	policy.InitialDelay = 1 * time.Second
	policy.Multiplier = 2
	policy.MaxDelay = time.Hour

	if got := backoffDelay(policy, 1); got != 1*time.Second {
		t.Errorf("attempt 1 = %v, want 1s", got)
	}
	if got := backoffDelay(policy, 2); got != 2*time.Second {
		t.Errorf("attempt 2 = %v, want 2s", got)
	}
	if got := backoffDelay(policy, 3); got != 4*time.Second {
		t.Errorf("attempt 3 = %v, want 4s", got)
	}
}

func TestBackoffDelay_Linear(t *testing.T) {
	policy := types.DefaultPolicy()
	policy.Backoff = types.BackoffLinear
	policy.JitterFraction = 0
	policy.InitialDelay = 2 * time.Second
	policy.MaxDelay = time.Hour

	if got := backoffDelay(policy, 3); got != 6*time.Second {
		t.Errorf("attempt 3 = %v, want 6s", got)
	}
}

func TestBackoffDelay_Fixed(t *testing.T) {
	policy := types.DefaultPolicy()
	policy.Backoff = types.BackoffFixed
	policy.JitterFraction = 0
	policy.InitialDelay = 3 * time.Second
	policy.MaxDelay = time.Hour

	for attempt := 1; attempt <= 4; attempt++ {
		if got := backoffDelay(policy, attempt); got != 3*time.Second {
			t.Errorf("attempt %d = %v, want 3s", attempt, got)
		}
	}
}

func TestBackoffDelay_Fibonacci(t *testing.T) {
	policy := types.DefaultPolicy()
	policy.Backoff = types.BackoffFibonacci
	policy.JitterFraction = 0
	policy.InitialDelay = 1 * time.Second
	policy.MaxDelay = time.Hour

	expected := []time.Duration{1, 1, 2, 3, 5}
	for i, want := range expected {
		if got := backoffDelay(policy, i+1); got != want*time.Second {
			t.Errorf("attempt %d = %v, want %v", i+1, got, want*time.Second)
		}
	}
}

func TestBackoffDelay_CappedAtMaxDelay(t *testing.T) {
	policy := types.DefaultPolicy()
	policy.JitterFraction = 0
	policy.InitialDelay = 1 * time.Second
	policy.Multiplier = 10
	policy.MaxDelay = 5 * time.Second

	if got := backoffDelay(policy, 5); got != 5*time.Second {
		t.Errorf("attempt 5 = %v, want capped 5s", got)
	}
}

func TestRateLimitDelay_UsesResetAtPlusBuffer(t *testing.T) {
	policy := types.DefaultPolicy()
	policy.RateLimitBuffer = 5 * time.Second
	policy.MaxDelay = time.Hour

	resetAt := time.Now().Add(10 * time.Second)
	err := &rateLimitProviderError{hint: types.RateLimitHint{ResetAt: &resetAt}}

	delay := rateLimitDelay(policy, err, time.Second)
	if delay < 14*time.Second || delay > 16*time.Second {
		t.Errorf("delay = %v, want ~15s", delay)
	}
}

type rateLimitProviderError struct {
	hint types.RateLimitHint
}

func (e *rateLimitProviderError) Error() string                     { return "rate limited" }
func (e *rateLimitProviderError) RateLimitHint() types.RateLimitHint { return e.hint }
