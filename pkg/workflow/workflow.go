// Package workflow implements the Workflow Runner (C7): it drives a
// WorkflowDefinition's steps in dependency order through the surrounding
// idempotency/circuit-breaker/retry/executor stack, resolving "$step.path"
// parameter references against prior step results, and emits progress
// events at every boundary.
package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	internalerrors "github.com/relaycore/actioncore/internal/errors"
	"github.com/relaycore/actioncore/pkg/events"
	"github.com/relaycore/actioncore/pkg/types"
)

// StepOptions extends types.WorkflowStep with the runner-specific knobs the
// spec calls for but the shared data model doesn't carry: optional steps
// and continue-on-optional-failure. Workflow-level rollback-on-failure is
// carried by Definition.
type StepOptions struct {
	Optional                  bool
	ContinueOnOptionalFailure bool
}

// Definition pairs a types.WorkflowDefinition with per-step runner options
// and workflow-level rollback behavior.
type Definition struct {
	types.WorkflowDefinition
	StepOptions       map[string]StepOptions
	RollbackOnFailure bool
}

// Runner is the function the engine calls to execute one resolved step.
// Implementations thread the request through idempotency, circuit breaker,
// and retry before reaching the real Executor.
type Runner func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error)

// Rollback undoes a workflow's completed steps. orchestrator.Stack's
// RollbackWorkflow supplies one that adapts pkg/rollback's Engine.Rollback.
type Rollback func(ctx context.Context, def Definition, exec *types.WorkflowExecution) error

// Engine runs workflow definitions.
type Engine struct {
	run      Runner
	rollback Rollback
	bus      *events.Bus
}

// New builds an Engine. rollback and bus may be nil.
func New(run Runner, rollback Rollback, bus *events.Bus) *Engine {
	return &Engine{run: run, rollback: rollback, bus: bus}
}

func (e *Engine) emit(name events.Name, payload interface{}) {
	if e.bus != nil {
		e.bus.Emit(name, payload)
	}
}

// Progress is the aggregated status snapshot emitted with workflow:progress
// and returned alongside the final execution.
type Progress struct {
	CurrentStep     string
	TotalSteps      int
	CompletedSteps  int
	FailedSteps     int
	PercentComplete float64
}

// Run executes def's steps in definition order, honoring dependsOn, optional
// steps, per-step retries and timeouts, initial metadata, and parameter
// resolution, then triggers rollback on failure if configured.
func (e *Engine) Run(ctx context.Context, def Definition, initialMetadata map[string]interface{}) (*types.WorkflowExecution, error) {
	if err := def.WorkflowDefinition.Validate(); err != nil {
		return nil, internalerrors.Wrap(err, internalerrors.ErrorTypeValidation, "invalid workflow definition")
	}

	exec := &types.WorkflowExecution{
		RunID:      uuid.NewString(),
		WorkflowID: def.ID,
		Steps:      make(map[string]*types.StepResult),
		StartedAt:  time.Now(),
	}
	metadata := initialMetadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	results := make(map[string]types.ActionResult)

	e.emit(events.WorkflowStarted, exec.RunID)

	total := len(def.Steps)
	completed, failed := 0, 0

	for _, step := range def.Steps {
		opts := def.StepOptions[step.ID]

		if skip, failWorkflow := e.checkDependencies(step, opts, exec); failWorkflow {
			exec.Failed = true
			e.emit(events.WorkflowFailed, exec.RunID)
			e.finishOnFailure(ctx, def, exec)
			return exec, fmt.Errorf("workflow %s: dependency error at step %s", def.ID, step.ID)
		} else if skip {
			exec.Steps[step.ID] = &types.StepResult{StepID: step.ID, Status: types.StepSkipped}
			continue
		}

		e.emit(events.StepStarted, stepEvent{WorkflowID: def.ID, StepID: step.ID})
		e.emit(events.WorkflowProgress, Progress{
			CurrentStep: step.ID, TotalSteps: total, CompletedSteps: completed, FailedSteps: failed,
			PercentComplete: percentComplete(completed+failed, total),
		})

		result, stepErr := e.runStepWithRetries(ctx, step, results, metadata)

		sr := &types.StepResult{StepID: step.ID, StartedAt: time.Now()}
		if stepErr == nil {
			sr.Status = types.StepCompleted
			sr.Result = &result
			sr.EndedAt = time.Now()
			results[step.ID] = result
			completed++
			exec.Steps[step.ID] = sr
			e.emit(events.StepCompleted, stepEvent{WorkflowID: def.ID, StepID: step.ID})
			continue
		}

		sr.Status = types.StepFailed
		sr.Err = stepErr.Error()
		sr.EndedAt = time.Now()
		exec.Steps[step.ID] = sr
		e.emit(events.StepFailed, stepEvent{WorkflowID: def.ID, StepID: step.ID, Err: stepErr.Error()})

		if opts.Optional && opts.ContinueOnOptionalFailure {
			failed++
			continue
		}

		exec.Failed = true
		failed++
		e.emit(events.WorkflowFailed, exec.RunID)
		e.finishOnFailure(ctx, def, exec)
		return exec, fmt.Errorf("workflow %s: step %s failed: %w", def.ID, step.ID, stepErr)
	}

	exec.EndedAt = time.Now()
	e.emit(events.WorkflowCompleted, exec.RunID)
	e.emit(events.WorkflowProgress, Progress{TotalSteps: total, CompletedSteps: completed, FailedSteps: failed, PercentComplete: 100})
	return exec, nil
}

type stepEvent struct {
	WorkflowID string
	StepID     string
	Err        string
}

func (e *Engine) finishOnFailure(ctx context.Context, def Definition, exec *types.WorkflowExecution) {
	exec.EndedAt = time.Now()
	if !def.RollbackOnFailure || e.rollback == nil {
		return
	}
	e.emit(events.RollbackStarted, exec.RunID)
	err := e.rollback(ctx, def, exec)
	exec.RolledBack = err == nil
	e.emit(events.RollbackCompleted, rollbackEvent{WorkflowID: exec.RunID, Success: err == nil})
}

type rollbackEvent struct {
	WorkflowID string
	Success    bool
}

// checkDependencies reports (skip, failWorkflow) for step given the
// execution-so-far: a missing/failed dependency skips an optional step, else
// fails the whole workflow.
func (e *Engine) checkDependencies(step types.WorkflowStep, opts StepOptions, exec *types.WorkflowExecution) (skip bool, failWorkflow bool) {
	if len(step.DependsOn) == 0 {
		return false, false
	}
	for _, dep := range step.DependsOn {
		sr, ok := exec.Steps[dep]
		if !ok || sr.Status != types.StepCompleted {
			if opts.Optional {
				return true, false
			}
			return true, true
		}
	}
	return false, false
}

func (e *Engine) runStepWithRetries(ctx context.Context, step types.WorkflowStep, results map[string]types.ActionResult, metadata map[string]interface{}) (types.ActionResult, error) {
	req := resolveParams(step.Action, results, metadata)

	retriesLeft := step.Retries
	for {
		stepCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}
		result, err := e.run(stepCtx, req)
		if cancel != nil {
			cancel()
		}
		if err == nil || retriesLeft <= 0 {
			return result, err
		}
		retriesLeft--
	}
}

// resolveParams substitutes every "$X" string value in req.Params.
// X = "step.path.to.field" looks up results[step] and descends the dotted
// path; falling back to the literal string if not found. A bare X is looked
// up first in results, then in metadata, else kept literal.
func resolveParams(req types.ActionRequest, results map[string]types.ActionResult, metadata map[string]interface{}) types.ActionRequest {
	if len(req.Params) == 0 {
		return req
	}
	resolved := make(map[string]interface{}, len(req.Params))
	for k, v := range req.Params {
		resolved[k] = resolveValue(v, results, metadata)
	}
	req.Params = resolved
	return req
}

func resolveValue(v interface{}, results map[string]types.ActionResult, metadata map[string]interface{}) interface{} {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return v
	}
	ref := strings.TrimPrefix(s, "$")

	if strings.Contains(ref, ".") {
		parts := strings.SplitN(ref, ".", 2)
		stepID, path := parts[0], parts[1]
		if result, ok := results[stepID]; ok {
			if resolved, found := descend(result.Data, path); found {
				return resolved
			}
		}
		return v
	}

	if result, ok := results[ref]; ok {
		return result.Data
	}
	if val, ok := metadata[ref]; ok {
		return val
	}
	return v
}

// descend walks a dotted path into a decoded JSON-like value (maps, slices).
func descend(data interface{}, path string) (interface{}, bool) {
	current := data
	for _, field := range strings.Split(path, ".") {
		if slice, ok := current.([]interface{}); ok {
			idx, err := strconv.Atoi(field)
			if err != nil || idx < 0 || idx >= len(slice) {
				return nil, false
			}
			current = slice[idx]
			continue
		}
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		val, ok := m[field]
		if !ok {
			return nil, false
		}
		current = val
	}
	return current, true
}

func percentComplete(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}
