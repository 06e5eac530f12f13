// Package orchestrator wires C1 through C9 into a single action-execution
// pipeline: idempotency check, circuit breaker, retry engine, then the
// caller-registered executor, with approval gating, fallback, rollback, and
// metrics layered around it exactly as spec.md §3 describes.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	internalerrors "github.com/relaycore/actioncore/internal/errors"
	"github.com/relaycore/actioncore/pkg/approval"
	"github.com/relaycore/actioncore/pkg/breaker"
	"github.com/relaycore/actioncore/pkg/events"
	"github.com/relaycore/actioncore/pkg/executor"
	"github.com/relaycore/actioncore/pkg/fallback"
	"github.com/relaycore/actioncore/pkg/idempotency"
	"github.com/relaycore/actioncore/pkg/metrics"
	"github.com/relaycore/actioncore/pkg/retry"
	"github.com/relaycore/actioncore/pkg/rollback"
	"github.com/relaycore/actioncore/pkg/shared/logging"
	"github.com/relaycore/actioncore/pkg/types"
	"github.com/relaycore/actioncore/pkg/workflow"
)

// PolicyResolver resolves the effective retry Policy for a platform/action
// pair; internal/config.Config.PolicyFor satisfies this.
type PolicyResolver interface {
	PolicyFor(platform, action string) types.Policy
}

// Stack is the fully wired orchestration core.
type Stack struct {
	registry      *executor.ActionRegistry
	breakers      *breaker.Manager
	idempo        *idempotency.Cache
	approvals     *approval.Queue
	fallbacks     *fallback.Engine
	rollbacks     *rollback.Engine
	metrics       *metrics.Collector
	bus           *events.Bus
	policies      PolicyResolver
	log              logr.Logger
	classify         func(types.ActionRequest) types.RiskLevel
	classifyPriority func(types.ActionRequest) types.PriorityLevel
	flagsSnapshot    func() Flags
}

// Flags is the subset of feature flags that gate Stack behavior at
// Execute-time (read fresh on every call so a hot-reloaded config takes
// effect immediately).
type Flags struct {
	ApprovalsEnabled bool
	FallbacksEnabled bool
	DryRun           bool
}

// Deps bundles every constructor dependency. Any nil Engine/Cache/Collector
// field disables that layer of the pipeline entirely.
type Deps struct {
	Registry      *executor.ActionRegistry
	Breakers      *breaker.Manager
	Idempotency   *idempotency.Cache
	Approvals     *approval.Queue
	Fallbacks     *fallback.Engine
	Rollbacks     *rollback.Engine
	Metrics       *metrics.Collector
	Bus           *events.Bus
	Policies      PolicyResolver
	Log              logr.Logger
	ClassifyRisk     func(types.ActionRequest) types.RiskLevel
	ClassifyPriority func(types.ActionRequest) types.PriorityLevel
	Flags            func() Flags
}

// New builds a Stack from deps. A nil ClassifyRisk defaults every action to
// RiskMedium, a nil ClassifyPriority defaults every action to
// PriorityMedium. A nil Flags func enables approvals and fallbacks and
// leaves DryRun off.
func New(deps Deps) *Stack {
	classify := deps.ClassifyRisk
	if classify == nil {
		classify = func(types.ActionRequest) types.RiskLevel { return types.RiskMedium }
	}
	classifyPriority := deps.ClassifyPriority
	if classifyPriority == nil {
		classifyPriority = func(types.ActionRequest) types.PriorityLevel { return types.PriorityMedium }
	}
	flags := deps.Flags
	if flags == nil {
		flags = func() Flags { return Flags{ApprovalsEnabled: true, FallbacksEnabled: true} }
	}
	return &Stack{
		registry:         deps.Registry,
		breakers:         deps.Breakers,
		idempo:           deps.Idempotency,
		approvals:        deps.Approvals,
		fallbacks:        deps.Fallbacks,
		rollbacks:        deps.Rollbacks,
		metrics:          deps.Metrics,
		bus:              deps.Bus,
		policies:         deps.Policies,
		log:              deps.Log,
		classify:         classify,
		classifyPriority: classifyPriority,
		flagsSnapshot:    flags,
	}
}

// Execute runs a single action through the full pipeline: request
// validation, the approval gate (if the risk classifier returns anything but
// RiskLow and approvals are enabled), then the idempotency check (a cache
// hit skips the breaker, retry engine and executor), circuit breaker, retry
// engine, and finally the registered executor; a total failure falls
// through to the Fallback Engine.
func (s *Stack) Execute(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
	if err := req.Validate(); err != nil {
		return types.ActionResult{}, internalerrors.Wrap(err, internalerrors.ErrorTypeValidation, "invalid action request")
	}

	start := time.Now()
	flags := s.flagsSnapshot()
	fields := logging.NewFields().Component("orchestrator").Operation(req.Action).Resource(req.Platform, req.Target)

	if flags.DryRun {
		s.log.Info("dry run: action not executed", fields.KeysAndValues()...)
		return types.ActionResult{Data: "dry-run"}, nil
	}

	var approvalID string
	if flags.ApprovalsEnabled && s.approvals != nil {
		risk := s.classify(req)
		if risk != types.RiskLow {
			id, approved, resolved, err := s.awaitApproval(ctx, req, risk)
			if err != nil {
				return types.ActionResult{}, err
			}
			if !approved {
				return types.ActionResult{}, internalerrors.New(internalerrors.ErrorTypeValidation, "action rejected by approval gate")
			}
			approvalID = id
			req = resolved
			if _, err := s.approvals.MarkExecuting(approvalID); err != nil {
				s.log.Error(err, "failed to mark approval executing", fields.KeysAndValues()...)
			}
		}
	}

	exec := func(ctx context.Context) (types.ActionResult, error) {
		return s.executeWithBreakerAndRetry(ctx, req)
	}

	var result types.ActionResult
	var err error
	var fromCache bool
	if s.idempo != nil {
		key := idempotency.Key(req)
		result, fromCache, err = s.idempo.ExecuteOnce(ctx, key, req, exec)
	} else {
		result, err = exec(ctx)
	}

	if err != nil && flags.FallbacksEnabled && s.fallbacks != nil {
		outcome, fbErr := s.fallbacks.Execute(ctx, req, err, s.routeToAlternate)
		if fbErr == nil {
			result = outcome.Result
			err = nil
			if s.bus != nil {
				s.bus.Emit(events.FallbackUsed, map[string]interface{}{"action": req.Action, "fallbackAction": outcome.Result.FallbackAction})
			}
		}
	}

	if approvalID != "" {
		if err != nil {
			if _, markErr := s.approvals.MarkFailed(approvalID, err); markErr != nil {
				s.log.Error(markErr, "failed to mark approval failed", fields.KeysAndValues()...)
			}
		} else {
			if _, markErr := s.approvals.MarkCompleted(approvalID); markErr != nil {
				s.log.Error(markErr, "failed to mark approval completed", fields.KeysAndValues()...)
			}
		}
	}

	if s.metrics != nil {
		status := metrics.StatusSuccess
		if err != nil {
			status = metrics.StatusFailure
		}
		s.metrics.Record(req.Platform, req.Action, status, time.Since(start), map[string]interface{}{"fromCache": fromCache})
	}

	if s.bus != nil {
		if err != nil {
			s.bus.Emit(events.RequestFailure, map[string]interface{}{"action": req.Action, "error": err.Error()})
		} else {
			s.bus.Emit(events.RequestSuccess, map[string]interface{}{"action": req.Action})
		}
	}

	return result, err
}

func (s *Stack) executeWithBreakerAndRetry(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
	policy := types.DefaultPolicy()
	if s.policies != nil {
		policy = s.policies.PolicyFor(req.Platform, req.Action)
	}

	runOnce := func(ctx context.Context) (types.ActionResult, error) {
		return s.registry.Execute(ctx, req)
	}

	if s.breakers != nil {
		breakerResult, err := s.breakers.Execute(ctx, req.Platform, func(ctx context.Context) (interface{}, error) {
			return retry.Do(ctx, runOnce, retry.Options{Platform: req.Platform, Operation: req.Action, Policy: &policy})
		})
		if err != nil {
			return types.ActionResult{}, err
		}
		result, ok := breakerResult.Value.(types.ActionResult)
		if !ok {
			return types.ActionResult{}, fmt.Errorf("unexpected breaker result type %T", breakerResult.Value)
		}
		result.FromCache = breakerResult.FromCache
		return result, nil
	}

	return retry.Do(ctx, runOnce, retry.Options{Platform: req.Platform, Operation: req.Action, Policy: &policy})
}

func (s *Stack) routeToAlternate(ctx context.Context, alternateExecutor string, req types.ActionRequest) (types.ActionResult, error) {
	rerouted := req
	rerouted.Platform = alternateExecutor
	return s.registry.Execute(ctx, rerouted)
}

// awaitApproval enqueues req for human review and blocks until it reaches a
// terminal pre-execution state. It returns the approval ID (for the later
// MarkExecuting/MarkCompleted/MarkFailed calls) and the action request as
// resolved by the decision — unchanged for Approve, with any Modify
// decision's parameter overrides merged in. Event emission (queued,
// decided, expired) is owned by the Queue itself.
func (s *Stack) awaitApproval(ctx context.Context, req types.ActionRequest, risk types.RiskLevel) (string, bool, types.ActionRequest, error) {
	priority := s.classifyPriority(req)
	ar, err := s.approvals.Enqueue(ctx, req, risk, priority)
	if err != nil {
		return "", false, req, err
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ar.ID, false, req, ctx.Err()
		case <-ticker.C:
			current, ok := s.approvals.Get(ar.ID)
			if !ok {
				return ar.ID, false, req, fmt.Errorf("approval request %s vanished", ar.ID)
			}
			switch current.Status {
			case types.ApprovalApproved:
				return ar.ID, true, current.Action, nil
			case types.ApprovalRejected, types.ApprovalExpired:
				return ar.ID, false, req, nil
			}
		}
	}
}

// RollbackWorkflow adapts rollback.Engine's Result-returning method to the
// plain-error signature workflow.Engine's Rollback hook expects.
func (s *Stack) RollbackWorkflow(ctx context.Context, def workflow.Definition, exec *types.WorkflowExecution) error {
	if s.rollbacks == nil {
		return nil
	}
	result := s.rollbacks.Rollback(ctx, def.WorkflowDefinition, exec)
	if !result.Success {
		return fmt.Errorf("rollback incomplete: %d step(s) failed, %d require manual intervention", len(result.Failed), len(result.ManualInterventionActions))
	}
	return nil
}

// HealthReport aggregates the per-executor circuit state, the idempotency
// cache size, and the approval queue depth into a single snapshot for the
// metrics server's /healthz handler.
type HealthReport struct {
	Breakers         map[string]types.CircuitState `json:"breakers"`
	IdempotencyLen   int                            `json:"idempotencyEntries"`
	PendingApprovals int                            `json:"pendingApprovals"`
}

func (s *Stack) HealthReport() HealthReport {
	report := HealthReport{Breakers: map[string]types.CircuitState{}}
	if s.breakers != nil {
		report.Breakers = s.breakers.HealthReport()
	}
	if s.idempo != nil {
		report.IdempotencyLen = s.idempo.Len()
	}
	if s.approvals != nil {
		report.PendingApprovals = len(s.approvals.Pending())
	}
	return report
}
