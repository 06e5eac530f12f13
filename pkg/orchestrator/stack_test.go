package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"

	"github.com/relaycore/actioncore/pkg/breaker"
	"github.com/relaycore/actioncore/pkg/events"
	"github.com/relaycore/actioncore/pkg/executor"
	"github.com/relaycore/actioncore/pkg/idempotency"
	"github.com/relaycore/actioncore/pkg/metrics"
	"github.com/relaycore/actioncore/pkg/types"
)

func newTestStack(t *testing.T, registerHandler executor.HandlerFunc) (*Stack, *events.Bus) {
	t.Helper()
	registry := executor.NewActionRegistry()
	if err := registry.RegisterFunc("notify", registerHandler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bus := events.New()
	metricsCfg := metrics.DefaultConfig()
	metricsCfg.FlushInterval = 0
	metricsCfg.JournalPath = ""
	collector := metrics.New(metricsCfg)

	stack := New(Deps{
		Registry:    registry,
		Breakers:    breaker.NewManager(breaker.DefaultConfig(), nil),
		Idempotency: idempotency.New(idempotency.Config{TTL: 0, MaxEntries: 1000, SweepInterval: 0}),
		Metrics:     collector,
		Bus:         bus,
		Log:         logr.Discard(),
		Flags: func() Flags {
			return Flags{ApprovalsEnabled: false, FallbacksEnabled: false}
		},
	})
	return stack, bus
}

func TestExecute_RunsThroughRegisteredExecutor(t *testing.T) {
	stack, _ := newTestStack(t, func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		return types.ActionResult{ID: "n1"}, nil
	})

	result, err := stack.Execute(context.Background(), types.ActionRequest{Action: "notify", Target: "t1", Platform: "slack"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ID != "n1" {
		t.Errorf("result ID = %q, want n1", result.ID)
	}
}

func TestExecute_DryRunSkipsExecutor(t *testing.T) {
	called := false
	registry := executor.NewActionRegistry()
	registry.RegisterFunc("notify", func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		called = true
		return types.ActionResult{}, nil
	})

	stack := New(Deps{
		Registry: registry,
		Log:      logr.Discard(),
		Flags:    func() Flags { return Flags{DryRun: true} },
	})

	result, err := stack.Execute(context.Background(), types.ActionRequest{Action: "notify", Target: "t1", Platform: "slack"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("expected executor not to be called in dry run")
	}
	if result.Data != "dry-run" {
		t.Errorf("result data = %v, want dry-run marker", result.Data)
	}
}

func TestExecute_UnknownActionErrors(t *testing.T) {
	stack, _ := newTestStack(t, func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		return types.ActionResult{}, nil
	})

	_, err := stack.Execute(context.Background(), types.ActionRequest{Action: "does_not_exist", Target: "t1", Platform: "slack"})
	if err == nil {
		t.Fatal("expected an error for an unregistered action")
	}
}

func TestExecute_RejectsInvalidRequestBeforeDispatch(t *testing.T) {
	called := false
	stack, _ := newTestStack(t, func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		called = true
		return types.ActionResult{}, nil
	})

	_, err := stack.Execute(context.Background(), types.ActionRequest{Action: "notify"})
	if err == nil {
		t.Fatal("expected a validation error for a request missing target/platform")
	}
	if called {
		t.Error("executor should not run for an invalid request")
	}
}

func TestExecute_IdempotentCallsAreCachedOnSecondHit(t *testing.T) {
	calls := 0
	stack, _ := newTestStack(t, func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		calls++
		return types.ActionResult{ID: "n1"}, nil
	})

	req := types.ActionRequest{Action: "notify", Target: "t1", Platform: "slack"}
	if _, err := stack.Execute(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := stack.Execute(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("executor calls = %d, want 1 (second call should hit the idempotency cache)", calls)
	}
}

func TestExecute_EmitsRequestEvents(t *testing.T) {
	stack, bus := newTestStack(t, func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		return types.ActionResult{}, nil
	})

	var seen []events.Name
	bus.SubscribeAll(func(e events.Event) { seen = append(seen, e.Name) })

	if _, err := stack.Execute(context.Background(), types.ActionRequest{Action: "notify", Target: "t1", Platform: "slack"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, name := range seen {
		if name == events.RequestSuccess {
			found = true
		}
	}
	if !found {
		t.Errorf("events = %v, want request:success present", seen)
	}
}

func TestExecute_FailureEmitsFailureEvent(t *testing.T) {
	stack, bus := newTestStack(t, func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		return types.ActionResult{}, errors.New("boom")
	})

	var seen []events.Name
	bus.SubscribeAll(func(e events.Event) { seen = append(seen, e.Name) })

	_, err := stack.Execute(context.Background(), types.ActionRequest{Action: "notify", Target: "t1", Platform: "slack"})
	if err == nil {
		t.Fatal("expected an error")
	}

	found := false
	for _, name := range seen {
		if name == events.RequestFailure {
			found = true
		}
	}
	if !found {
		t.Errorf("events = %v, want request:failure present", seen)
	}
}

func TestHealthReport_ReflectsBreakerAndCacheState(t *testing.T) {
	stack, _ := newTestStack(t, func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		return types.ActionResult{}, nil
	})

	if _, err := stack.Execute(context.Background(), types.ActionRequest{Action: "notify", Target: "t1", Platform: "slack"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report := stack.HealthReport()
	if report.IdempotencyLen != 1 {
		t.Errorf("idempotency len = %d, want 1", report.IdempotencyLen)
	}
}
