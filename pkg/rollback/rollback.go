// Package rollback implements the Rollback Classifier & Executor (C8): it
// classifies which action names are reversible, builds the reverse-order
// undo plan for a workflow's completed steps, and runs that plan back
// through the Executor interface, synthesizing manual-intervention steps
// for anything it cannot safely undo automatically.
package rollback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relaycore/actioncore/pkg/executor"
	"github.com/relaycore/actioncore/pkg/types"
)

// Classifier maps an action name to its RollbackClass, falling back to
// fixed default prefix rules when no exact override is registered.
type Classifier struct {
	overrides map[string]types.RollbackClass
}

// NewClassifier builds a Classifier with the spec's default prefix rules:
// create_*  -> Reversible, upload_file/file_document -> ConfirmationRequired,
// append_data/update_cell -> PartiallyReversible, send_*/trigger_webhook ->
// NonReversible. Anything unmatched defaults to NonReversible, the safest
// assumption absent better information.
func NewClassifier() *Classifier {
	return &Classifier{overrides: make(map[string]types.RollbackClass)}
}

// Configure registers an exact-match override for action, taking precedence
// over the default prefix rules.
func (c *Classifier) Configure(action string, class types.RollbackClass) {
	c.overrides[action] = class
}

// Classify returns action's RollbackClass.
func (c *Classifier) Classify(action string) types.RollbackClass {
	if class, ok := c.overrides[action]; ok {
		return class
	}
	switch {
	case strings.HasPrefix(action, "create_"):
		return types.RollbackReversible
	case action == "upload_file" || action == "file_document":
		return types.RollbackConfirmationRequired
	case action == "append_data" || action == "update_cell":
		return types.RollbackPartiallyReversible
	case strings.HasPrefix(action, "send_") || action == "trigger_webhook":
		return types.RollbackNonReversible
	default:
		return types.RollbackNonReversible
	}
}

// UndoBuilder constructs the ActionRequest that undoes a given completed
// step. Implementations typically dispatch on step.Action.Action and the
// id stored in the step's result.
type UndoBuilder func(step types.WorkflowStep, result types.ActionResult) (types.ActionRequest, error)

// ManualStep describes an undo the executor cannot perform automatically,
// for an operator to act on.
type ManualStep struct {
	StepID  string
	Action  string
	Advice  string
	Channel string
}

// Config knobs control how aggressively rollback proceeds.
type Config struct {
	SkipNonReversible   bool
	RequireConfirmation bool
	TimeoutPerAction    time.Duration
	StopOnFailure       bool
}

// DefaultConfig returns the engine's out-of-the-box settings: confirmation
// required for ConfirmationRequired actions, a 30s per-undo timeout,
// continuing past individual undo failures.
func DefaultConfig() Config {
	return Config{
		RequireConfirmation: true,
		TimeoutPerAction:    30 * time.Second,
		StopOnFailure:       false,
	}
}

// Result is the outcome of rolling back a workflow execution.
type Result struct {
	Success                   bool
	RolledBack                []string
	Failed                    []string
	ManualInterventionActions []string
	ManualSteps               []ManualStep
	Duration                  time.Duration
}

// Engine runs rollback plans.
type Engine struct {
	classifier *Classifier
	exec       executor.Executor
	config     Config
	undo       map[string]UndoBuilder
}

// New builds an Engine. undoBuilders maps action name to its UndoBuilder.
// An action with no entry that reaches the executor (Reversible,
// PartiallyReversible, or ConfirmationRequired with RequireConfirmation
// off) gets defaultUndoBuilder's delete-by-result-ID request.
// NonReversible actions, and ConfirmationRequired ones while
// RequireConfirmation is on, become manual steps (or, for NonReversible
// with SkipNonReversible set, are skipped) whatever undoBuilders holds.
func New(classifier *Classifier, exec executor.Executor, config Config, undoBuilders map[string]UndoBuilder) *Engine {
	if undoBuilders == nil {
		undoBuilders = map[string]UndoBuilder{}
	}
	return &Engine{classifier: classifier, exec: exec, config: config, undo: undoBuilders}
}

// Rollback undoes exec's Completed steps in reverse order.
func (e *Engine) Rollback(ctx context.Context, def types.WorkflowDefinition, execution *types.WorkflowExecution) Result {
	start := time.Now()
	result := Result{Success: true}

	completed := completedStepsReverseOrder(def, execution)

	for _, step := range completed {
		sr := execution.Steps[step.ID]
		class := e.classify(step)

		if class == types.RollbackNonReversible {
			if e.config.SkipNonReversible {
				continue
			}
			result.ManualInterventionActions = append(result.ManualInterventionActions, step.ID)
			result.ManualSteps = append(result.ManualSteps, manualStepFor(step))
			continue
		}

		if class == types.RollbackConfirmationRequired && e.config.RequireConfirmation {
			result.ManualInterventionActions = append(result.ManualInterventionActions, step.ID)
			result.ManualSteps = append(result.ManualSteps, manualStepFor(step))
			continue
		}

		undoErr := e.undoStep(ctx, step, sr)
		if undoErr != nil {
			result.Failed = append(result.Failed, step.ID)
			result.Success = false
			if e.config.StopOnFailure {
				break
			}
			continue
		}
		result.RolledBack = append(result.RolledBack, step.ID)
		if sr != nil {
			sr.Status = types.StepRolledBack
		}
	}

	result.Duration = time.Since(start)
	return result
}

func (e *Engine) classify(step types.WorkflowStep) types.RollbackClass {
	return e.classifier.Classify(step.Action.Action)
}

func (e *Engine) undoStep(ctx context.Context, step types.WorkflowStep, sr *types.StepResult) error {
	undoCtx := ctx
	var cancel context.CancelFunc
	if e.config.TimeoutPerAction > 0 {
		undoCtx, cancel = context.WithTimeout(ctx, e.config.TimeoutPerAction)
		defer cancel()
	}

	var result types.ActionResult
	if sr != nil && sr.Result != nil {
		result = *sr.Result
	}

	builder, ok := e.undo[step.Action.Action]
	if !ok {
		builder = defaultUndoBuilder
	}
	undoReq, err := builder(step, result)
	if err != nil {
		return fmt.Errorf("build undo for step %s: %w", step.ID, err)
	}

	_, err = e.exec.Execute(undoCtx, undoReq)
	return err
}

// defaultUndoBuilder assumes a Reversible create_* action returning an id,
// and synthesizes a "delete by id" request for it.
func defaultUndoBuilder(step types.WorkflowStep, result types.ActionResult) (types.ActionRequest, error) {
	id := result.ID
	if id == "" {
		return types.ActionRequest{}, fmt.Errorf("step %s has no result id to undo by", step.ID)
	}
	return types.ActionRequest{
		Action:   "delete_" + strings.TrimPrefix(step.Action.Action, "create_"),
		Target:   step.Action.Target,
		Platform: step.Action.Platform,
		Params:   map[string]interface{}{"id": id},
	}, nil
}

func manualStepFor(step types.WorkflowStep) ManualStep {
	return ManualStep{
		StepID: step.ID,
		Action: step.Action.Action,
		Advice: fmt.Sprintf("manually verify/undo action %q on target %q; it cannot be reversed automatically", step.Action.Action, step.Action.Target),
	}
}

func completedStepsReverseOrder(def types.WorkflowDefinition, execution *types.WorkflowExecution) []types.WorkflowStep {
	var completed []types.WorkflowStep
	for _, step := range def.Steps {
		if sr, ok := execution.Steps[step.ID]; ok && sr.Status == types.StepCompleted {
			completed = append(completed, step)
		}
	}
	for i, j := 0, len(completed)-1; i < j; i, j = i+1, j-1 {
		completed[i], completed[j] = completed[j], completed[i]
	}
	return completed
}
