package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/relaycore/actioncore/pkg/events"
	"github.com/relaycore/actioncore/pkg/types"
)

func simpleDef(steps ...types.WorkflowStep) Definition {
	return Definition{
		WorkflowDefinition: types.WorkflowDefinition{ID: "wf-1", Name: "test", Steps: steps},
		StepOptions:        map[string]StepOptions{},
	}
}

func TestRun_AllStepsSucceed(t *testing.T) {
	run := func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		return types.ActionResult{Data: "ok:" + req.Action}, nil
	}
	e := New(run, nil, nil)

	def := simpleDef(
		types.WorkflowStep{ID: "a", Action: types.ActionRequest{Action: "step_a"}},
		types.WorkflowStep{ID: "b", Action: types.ActionRequest{Action: "step_b"}, DependsOn: []string{"a"}},
	)

	exec, err := e.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Failed {
		t.Error("expected workflow not to fail")
	}
	if exec.Steps["a"].Status != types.StepCompleted || exec.Steps["b"].Status != types.StepCompleted {
		t.Error("expected both steps completed")
	}
}

func TestRun_MissingDependencyFailsWorkflow(t *testing.T) {
	run := func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		return types.ActionResult{}, errors.New("should not be called for dependent")
	}
	e := New(run, nil, nil)

	def := simpleDef(
		types.WorkflowStep{ID: "b", Action: types.ActionRequest{Action: "step_b"}, DependsOn: []string{"a"}},
	)

	exec, err := e.Run(context.Background(), def, nil)
	if err == nil {
		t.Fatal("expected error for missing dependency")
	}
	if !exec.Failed {
		t.Error("expected workflow marked failed")
	}
}

func TestRun_OptionalStepSkippedWhenDependencyMissing(t *testing.T) {
	called := false
	run := func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		called = true
		return types.ActionResult{}, nil
	}
	e := New(run, nil, nil)

	def := simpleDef(
		types.WorkflowStep{ID: "b", Action: types.ActionRequest{Action: "step_b"}, DependsOn: []string{"a"}},
	)
	def.StepOptions["b"] = StepOptions{Optional: true}

	exec, err := e.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Failed {
		t.Error("a missing dependency on an optional step should not fail the workflow")
	}
	if exec.Steps["b"].Status != types.StepSkipped {
		t.Errorf("step b status = %v, want Skipped", exec.Steps["b"].Status)
	}
	if called {
		t.Error("step_b should never run since its dependency never completed")
	}
}

func TestRun_FailureStopsWorkflow(t *testing.T) {
	run := func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		if req.Action == "fails" {
			return types.ActionResult{}, errors.New("boom")
		}
		return types.ActionResult{Data: "ok"}, nil
	}
	e := New(run, nil, nil)

	def := simpleDef(
		types.WorkflowStep{ID: "a", Action: types.ActionRequest{Action: "fails"}},
		types.WorkflowStep{ID: "b", Action: types.ActionRequest{Action: "ok"}, DependsOn: []string{"a"}},
	)

	exec, err := e.Run(context.Background(), def, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if exec.Steps["a"].Status != types.StepFailed {
		t.Errorf("step a status = %v, want failed", exec.Steps["a"].Status)
	}
	if _, ran := exec.Steps["b"]; ran {
		t.Error("step b should never have run after step a failed")
	}
}

func TestRun_OptionalFailureContinuesWorkflow(t *testing.T) {
	run := func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		if req.Action == "fails" {
			return types.ActionResult{}, errors.New("boom")
		}
		return types.ActionResult{Data: "ok"}, nil
	}
	e := New(run, nil, nil)

	def := simpleDef(
		types.WorkflowStep{ID: "a", Action: types.ActionRequest{Action: "fails"}},
		types.WorkflowStep{ID: "b", Action: types.ActionRequest{Action: "ok"}},
	)
	def.StepOptions["a"] = StepOptions{Optional: true, ContinueOnOptionalFailure: true}

	exec, err := e.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Steps["a"].Status != types.StepFailed {
		t.Errorf("step a status = %v, want failed", exec.Steps["a"].Status)
	}
	if exec.Steps["b"].Status != types.StepCompleted {
		t.Errorf("step b status = %v, want completed", exec.Steps["b"].Status)
	}
}

func TestRun_RetriesStepBeforeFailing(t *testing.T) {
	calls := 0
	run := func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		calls++
		return types.ActionResult{}, errors.New("transient")
	}
	e := New(run, nil, nil)

	def := simpleDef(
		types.WorkflowStep{ID: "a", Action: types.ActionRequest{Action: "flaky"}, Retries: 2},
	)

	_, err := e.Run(context.Background(), def, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (1 initial + 2 retries)", calls)
	}
}

func TestRun_ParameterResolutionFromPriorStepResult(t *testing.T) {
	var gotTarget interface{}
	run := func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		if req.Action == "step_b" {
			gotTarget = req.Params["id"]
			return types.ActionResult{}, nil
		}
		return types.ActionResult{Data: map[string]interface{}{"id": "resource-123"}}, nil
	}
	e := New(run, nil, nil)

	def := simpleDef(
		types.WorkflowStep{ID: "a", Action: types.ActionRequest{Action: "step_a"}},
		types.WorkflowStep{
			ID:        "b",
			Action:    types.ActionRequest{Action: "step_b", Params: map[string]interface{}{"id": "$a.id"}},
			DependsOn: []string{"a"},
		},
	)

	if _, err := e.Run(context.Background(), def, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTarget != "resource-123" {
		t.Errorf("resolved id = %v, want resource-123", gotTarget)
	}
}

func TestRun_ParameterResolutionFallsBackToLiteral(t *testing.T) {
	var gotValue interface{}
	run := func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		gotValue = req.Params["id"]
		return types.ActionResult{}, nil
	}
	e := New(run, nil, nil)

	def := simpleDef(
		types.WorkflowStep{ID: "a", Action: types.ActionRequest{Action: "step_a", Params: map[string]interface{}{"id": "$unresolvable.path"}}},
	)

	if _, err := e.Run(context.Background(), def, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotValue != "$unresolvable.path" {
		t.Errorf("value = %v, want literal fallback", gotValue)
	}
}

func TestRun_ParameterResolutionFromMetadata(t *testing.T) {
	var gotValue interface{}
	run := func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		gotValue = req.Params["region"]
		return types.ActionResult{}, nil
	}
	e := New(run, nil, nil)

	def := simpleDef(
		types.WorkflowStep{ID: "a", Action: types.ActionRequest{Action: "step_a", Params: map[string]interface{}{"region": "$region"}}},
	)

	if _, err := e.Run(context.Background(), def, map[string]interface{}{"region": "us-east-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotValue != "us-east-1" {
		t.Errorf("value = %v, want us-east-1", gotValue)
	}
}

func TestRun_EmitsLifecycleEvents(t *testing.T) {
	bus := events.New()
	var seen []events.Name
	bus.SubscribeAll(func(e events.Event) { seen = append(seen, e.Name) })

	run := func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		return types.ActionResult{}, nil
	}
	e := New(run, nil, bus)

	def := simpleDef(types.WorkflowStep{ID: "a", Action: types.ActionRequest{Action: "step_a"}})
	if _, err := e.Run(context.Background(), def, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[events.Name]bool{
		events.WorkflowStarted:   false,
		events.StepStarted:       false,
		events.StepCompleted:     false,
		events.WorkflowCompleted: false,
	}
	for _, name := range seen {
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected event %q to be emitted", name)
		}
	}
}

func TestRun_RollbackTriggeredOnFailure(t *testing.T) {
	rolledBack := false
	rollback := func(ctx context.Context, def Definition, exec *types.WorkflowExecution) error {
		rolledBack = true
		return nil
	}
	run := func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
		return types.ActionResult{}, errors.New("boom")
	}
	e := New(run, rollback, nil)

	def := simpleDef(types.WorkflowStep{ID: "a", Action: types.ActionRequest{Action: "fails"}})
	def.RollbackOnFailure = true

	exec, err := e.Run(context.Background(), def, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !rolledBack {
		t.Error("expected rollback to be invoked")
	}
	if !exec.RolledBack {
		t.Error("expected exec.RolledBack = true")
	}
}
