// Package approval implements the Approval Queue (C6): a human-in-the-loop
// gate for actions whose risk level requires sign-off before execution, with
// priority-keyed auto-expiry, a moving-average decision-latency gauge, and
// Slack interactive notifications.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"github.com/relaycore/actioncore/pkg/events"
	"github.com/relaycore/actioncore/pkg/types"
)

// ExpiryPolicy decides what happens to a request that times out unanswered.
// DefaultTimeout is keyed by Priority (how long to wait), while
// AutoApprove/AutoReject are keyed by Risk (what to do once the wait is
// over) — the two tiers are orthogonal per the glossary.
type ExpiryPolicy struct {
	AutoApproveLowRisk bool
	AutoRejectHighRisk bool
	DefaultTimeout     map[types.PriorityLevel]time.Duration
}

// DefaultExpiryPolicy auto-approves low-risk requests and auto-rejects
// high-risk ones at expiry, with priority-tiered default timeouts.
func DefaultExpiryPolicy() ExpiryPolicy {
	return ExpiryPolicy{
		AutoApproveLowRisk: true,
		AutoRejectHighRisk: true,
		DefaultTimeout: map[types.PriorityLevel]time.Duration{
			types.PriorityLow:    15 * time.Minute,
			types.PriorityMedium: time.Hour,
			types.PriorityHigh:   4 * time.Hour,
		},
	}
}

// Decision names the human (or auto-expiry) outcome passed to Decide.
// Modify is an Approve with parameter overrides merged in before execution.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionModify  Decision = "modify"
	DecisionReject  Decision = "reject"
)

// FeedbackCallback receives the outcome of an approval decision once its
// bound action has actually run (or, for a reject, immediately): wasCorrect
// is true when the decision matched reality (approved-and-succeeded,
// rejected-and-would-have-been-unwanted is not observable so a reject always
// reports false here, meaning "no positive signal").
type FeedbackCallback func(req types.ApprovalRequest, wasCorrect bool)

// Notifier sends a human-facing notification about a pending approval.
type Notifier interface {
	NotifyPending(req types.ApprovalRequest) error
}

// slackNotifier posts an interactive Slack message per pending approval.
type slackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier builds a Notifier backed by a Slack channel.
func NewSlackNotifier(client *slack.Client, channel string) Notifier {
	return &slackNotifier{client: client, channel: channel}
}

func (n *slackNotifier) NotifyPending(req types.ApprovalRequest) error {
	text := fmt.Sprintf(":warning: approval requested for `%s` on `%s` (risk: %s, priority: %s, expires %s)",
		req.Action.Action, req.Action.Target, req.Risk, req.Priority, req.ExpiresAt.Format(time.RFC3339))
	_, _, err := n.client.PostMessage(n.channel, slack.MsgOptionText(text, false),
		slack.MsgOptionAttachments(slack.Attachment{
			CallbackID: req.ID,
			Actions: []slack.AttachmentAction{
				{Name: "approve", Text: "Approve", Type: "button", Value: "approve"},
				{Name: "modify", Text: "Modify", Type: "button", Value: "modify"},
				{Name: "reject", Text: "Reject", Type: "button", Value: "reject", Style: "danger"},
			},
		}),
	)
	return err
}

// Queue tracks pending human-in-the-loop approvals.
type Queue struct {
	policy   ExpiryPolicy
	notifier Notifier
	bus      *events.Bus

	mu       sync.Mutex
	requests map[string]*types.ApprovalRequest
	timers   map[string]*time.Timer

	feedbackMu sync.RWMutex
	feedback   FeedbackCallback

	decisionMu    sync.Mutex
	decisionTimes []time.Duration
	decisionHead  int
	decisionCount int
}

const decisionWindowSize = 100

// NewQueue builds a Queue. notifier and bus may both be nil (e.g. in tests):
// a nil notifier skips pending-request notifications, a nil bus skips event
// emission.
func NewQueue(policy ExpiryPolicy, notifier Notifier, bus *events.Bus) *Queue {
	return &Queue{
		policy:        policy,
		notifier:      notifier,
		bus:           bus,
		requests:      make(map[string]*types.ApprovalRequest),
		timers:        make(map[string]*time.Timer),
		decisionTimes: make([]time.Duration, decisionWindowSize),
	}
}

// OnFeedback registers the callback invoked when a decision's real-world
// outcome becomes known (action completed, failed, or was rejected).
func (q *Queue) OnFeedback(cb FeedbackCallback) {
	q.feedbackMu.Lock()
	defer q.feedbackMu.Unlock()
	q.feedback = cb
}

func (q *Queue) emitFeedback(req types.ApprovalRequest, wasCorrect bool) {
	q.feedbackMu.RLock()
	cb := q.feedback
	q.feedbackMu.RUnlock()
	if cb != nil {
		cb(req, wasCorrect)
	}
	if q.bus != nil {
		q.bus.Emit(events.LearningFeedback, map[string]interface{}{"request": req, "wasCorrect": wasCorrect})
	}
}

func (q *Queue) emit(name events.Name, payload interface{}) {
	if q.bus != nil {
		q.bus.Emit(name, payload)
	}
}

// Enqueue creates a new pending approval request for action at the given
// risk/priority, schedules its auto-expiry, and fires the configured
// notifier.
func (q *Queue) Enqueue(ctx context.Context, action types.ActionRequest, risk types.RiskLevel, priority types.PriorityLevel) (types.ApprovalRequest, error) {
	timeout := q.policy.DefaultTimeout[priority]
	if timeout == 0 {
		timeout = time.Hour
	}

	req := types.ApprovalRequest{
		ID:          uuid.NewString(),
		Action:      action,
		Risk:        risk,
		Priority:    priority,
		Status:      types.ApprovalPending,
		RequestedAt: time.Now(),
		ExpiresAt:   time.Now().Add(timeout),
	}

	q.mu.Lock()
	q.requests[req.ID] = &req
	q.timers[req.ID] = time.AfterFunc(timeout, func() { q.autoExpire(req.ID) })
	q.mu.Unlock()

	q.emit(events.ActionRequiresApproval, req)
	q.emit(events.ApprovalQueued, req)

	if q.notifier != nil {
		if err := q.notifier.NotifyPending(req); err != nil {
			return req, err
		}
	}
	return req, nil
}

// Decide records a human decision for a pending request. It is a one-shot
// transition: deciding an already-decided request errors. Approve and
// Modify both move the request to Approved (Modify additionally merges
// modifications into the bound action's params); Reject moves it to
// Rejected and reports negative feedback immediately, since no execution
// will follow it.
func (q *Queue) Decide(id string, decision Decision, decider string, modifications map[string]interface{}, rejectionReason string) (types.ApprovalRequest, error) {
	q.mu.Lock()
	req, ok := q.requests[id]
	if !ok {
		q.mu.Unlock()
		return types.ApprovalRequest{}, fmt.Errorf("approval %s not found", id)
	}
	if req.Status != types.ApprovalPending {
		q.mu.Unlock()
		return types.ApprovalRequest{}, fmt.Errorf("approval %s already decided (status %s)", id, req.Status)
	}

	if timer, ok := q.timers[id]; ok {
		timer.Stop()
		delete(q.timers, id)
	}

	now := time.Now()
	req.DecidedAt = &now
	req.Decider = decider

	switch decision {
	case DecisionApprove:
		req.Status = types.ApprovalApproved
	case DecisionModify:
		req.Status = types.ApprovalApproved
		req.Modifications = modifications
		if len(modifications) > 0 {
			if req.Action.Params == nil {
				req.Action.Params = make(map[string]interface{}, len(modifications))
			}
			for k, v := range modifications {
				req.Action.Params[k] = v
			}
		}
	case DecisionReject:
		req.Status = types.ApprovalRejected
		req.Reason = rejectionReason
	default:
		q.mu.Unlock()
		return types.ApprovalRequest{}, fmt.Errorf("approval %s: unknown decision %q", id, decision)
	}
	result := *req
	q.mu.Unlock()

	q.recordDecisionLatency(result.DecidedAt.Sub(result.RequestedAt))
	q.emit(events.ApprovalDecided, result)
	if decision == DecisionReject {
		q.emitFeedback(result, false)
	}
	return result, nil
}

// autoExpire applies the expiry policy to a request that timed out without
// a human decision: auto-approve low risk, auto-reject high risk, else
// expire outright. Auto-approval hands off to execution (MarkExecuting/
// MarkCompleted/MarkFailed report its eventual feedback); reject and expire
// are themselves terminal, so they report feedback immediately.
func (q *Queue) autoExpire(id string) {
	q.mu.Lock()
	req, ok := q.requests[id]
	if !ok || req.Status != types.ApprovalPending {
		q.mu.Unlock()
		return
	}

	now := time.Now()
	req.DecidedAt = &now
	req.Decider = "system:auto-expiry"

	var expired bool
	switch {
	case req.Risk == types.RiskLow && q.policy.AutoApproveLowRisk:
		req.Status = types.ApprovalApproved
		req.Reason = "auto-approved: low risk, no decision before expiry"
	case req.Risk == types.RiskHigh && q.policy.AutoRejectHighRisk:
		req.Status = types.ApprovalRejected
		req.Reason = "auto-rejected: high risk, no decision before expiry"
	default:
		req.Status = types.ApprovalExpired
		req.Reason = "expired: no decision before deadline"
		expired = true
	}
	delete(q.timers, id)
	result := *req
	q.mu.Unlock()

	q.recordDecisionLatency(result.DecidedAt.Sub(result.RequestedAt))
	if expired {
		q.emit(events.ApprovalExpired, result)
		q.emitFeedback(result, false)
	} else {
		q.emit(events.ApprovalDecided, result)
		if result.Status == types.ApprovalRejected {
			q.emitFeedback(result, false)
		}
	}
}

// MarkExecuting transitions an Approved request to Executing, once the
// caller actually begins running its bound action.
func (q *Queue) MarkExecuting(id string) (types.ApprovalRequest, error) {
	req, err := q.transition(id, types.ApprovalApproved, types.ApprovalExecuting, "")
	if err != nil {
		return types.ApprovalRequest{}, err
	}
	q.emit(events.ApprovalExecuting, req)
	return req, nil
}

// MarkCompleted transitions an Executing request to Completed and reports
// positive feedback: the approval decision matched reality.
func (q *Queue) MarkCompleted(id string) (types.ApprovalRequest, error) {
	req, err := q.transition(id, types.ApprovalExecuting, types.ApprovalCompleted, "")
	if err != nil {
		return types.ApprovalRequest{}, err
	}
	q.emit(events.ApprovalCompleted, req)
	q.emitFeedback(req, true)
	return req, nil
}

// MarkFailed transitions an Executing request to Failed and reports
// negative feedback: the approval was granted but the action did not
// succeed.
func (q *Queue) MarkFailed(id string, cause error) (types.ApprovalRequest, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	req, err := q.transition(id, types.ApprovalExecuting, types.ApprovalFailed, reason)
	if err != nil {
		return types.ApprovalRequest{}, err
	}
	q.emit(events.ApprovalFailed, req)
	q.emitFeedback(req, false)
	return req, nil
}

func (q *Queue) transition(id string, from, to types.ApprovalStatus, reason string) (types.ApprovalRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.requests[id]
	if !ok {
		return types.ApprovalRequest{}, fmt.Errorf("approval %s not found", id)
	}
	if req.Status != from {
		return types.ApprovalRequest{}, fmt.Errorf("approval %s: cannot move to %s from %s (expected %s)", id, to, req.Status, from)
	}
	req.Status = to
	if reason != "" {
		req.Reason = reason
	}
	return *req, nil
}

// Get returns the current state of a request by ID.
func (q *Queue) Get(id string) (types.ApprovalRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.requests[id]
	if !ok {
		return types.ApprovalRequest{}, false
	}
	return *req, true
}

// Pending returns every request still awaiting a decision.
func (q *Queue) Pending() []types.ApprovalRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []types.ApprovalRequest
	for _, req := range q.requests {
		if req.Status == types.ApprovalPending {
			out = append(out, *req)
		}
	}
	return out
}

func (q *Queue) recordDecisionLatency(d time.Duration) {
	q.decisionMu.Lock()
	defer q.decisionMu.Unlock()
	q.decisionTimes[q.decisionHead] = d
	q.decisionHead = (q.decisionHead + 1) % decisionWindowSize
	if q.decisionCount < decisionWindowSize {
		q.decisionCount++
	}
}

// AverageDecisionLatency returns the moving average of the last 100
// decisions' latency (request to decision, whether human or auto-expired).
func (q *Queue) AverageDecisionLatency() time.Duration {
	q.decisionMu.Lock()
	defer q.decisionMu.Unlock()
	if q.decisionCount == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < q.decisionCount; i++ {
		total += q.decisionTimes[i]
	}
	return total / time.Duration(q.decisionCount)
}
