// Package types holds the data model shared by every component of the
// orchestration core: the action request/result shapes, the error-kind and
// rate-limit-hint vocabulary the Error Classifier produces, and the retry
// Policy consumed by the Retry Engine.
package types

import "time"

// ErrorKind classifies a remote-executor failure. It is a different,
// narrower taxonomy than internal/errors.ErrorType: ErrorKind never
// describes a config, validation, or internal failure, only what went wrong
// calling out to a remote executor.
type ErrorKind string

const (
	ErrorKindAPI             ErrorKind = "api"
	ErrorKindRateLimit       ErrorKind = "rate_limit"
	ErrorKindNetwork         ErrorKind = "network"
	ErrorKindAuth            ErrorKind = "auth"
	ErrorKindValidation      ErrorKind = "validation"
	ErrorKindTimeout         ErrorKind = "timeout"
	ErrorKindUnknown         ErrorKind = "unknown"
	ErrorKindRetryExhausted  ErrorKind = "retry_exhausted"
	ErrorKindCircuitOpen     ErrorKind = "circuit_open"
	ErrorKindCanceled        ErrorKind = "canceled"
)

// RateLimitHint carries whatever rate-limit metadata the Error Classifier
// could extract from a failed call.
type RateLimitHint struct {
	ResetAt       *time.Time
	RetryAfterSec *int
	Remaining     *int
	Limit         *int
}

// ActionRequest is the input to orchestrator.Stack.Execute and to every
// individual component that acts on behalf of a caller.
type ActionRequest struct {
	Action        string                 `json:"action" validate:"required"`
	Target        string                 `json:"target" validate:"required"`
	Platform      string                 `json:"platform" validate:"required"`
	Params        map[string]interface{} `json:"params,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	SignalID      string                 `json:"signalId,omitempty"`
}

// ActionResult is the opaque value an executor returns on success.
type ActionResult struct {
	Data                interface{} `json:"data,omitempty"`
	ID                  string      `json:"id,omitempty"`
	FromCache           bool        `json:"fromCache,omitempty"`
	ExecutedViaFallback bool        `json:"executedViaFallback,omitempty"`
	FallbackAction      string      `json:"fallbackAction,omitempty"`
}

// BackoffStrategy names a retry-delay growth curve.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffFibonacci   BackoffStrategy = "fibonacci"
)

// Policy configures one platform/operation pair's retry behavior.
type Policy struct {
	MaxAttempts        int                `yaml:"maxAttempts" validate:"required,min=1,max=20"`
	InitialDelay       time.Duration      `yaml:"initialDelay" validate:"min=0"`
	MaxDelay           time.Duration      `yaml:"maxDelay" validate:"min=0"`
	Backoff            BackoffStrategy    `yaml:"backoff" validate:"required,oneof=exponential linear fixed fibonacci"`
	Multiplier         float64            `yaml:"multiplier" validate:"min=1"`
	JitterFraction     float64            `yaml:"jitterFraction" validate:"min=0,max=1"`
	Retryable          map[ErrorKind]bool `yaml:"retryable"`
	RefreshAuthOnError bool               `yaml:"refreshAuthOnError"`
	TimeoutPerAttempt  time.Duration      `yaml:"timeoutPerAttempt" validate:"min=0"`
	RateLimitBuffer    time.Duration      `yaml:"rateLimitBuffer" validate:"min=0"`
	GlobalCap          time.Duration      `yaml:"globalCap" validate:"min=0"`
}

// DefaultPolicy returns the Retry Engine's out-of-the-box policy: five
// attempts, exponential backoff doubling from 500ms capped at 30s, a 10%
// jitter fraction, a 5-minute global cap, and a 5-second rate-limit buffer.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Backoff:        BackoffExponential,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Retryable: map[ErrorKind]bool{
			ErrorKindAPI:       true,
			ErrorKindRateLimit: true,
			ErrorKindNetwork:   true,
			ErrorKindTimeout:   true,
			ErrorKindAuth:      true,
		},
		RefreshAuthOnError: true,
		TimeoutPerAttempt:  15 * time.Second,
		RateLimitBuffer:    5 * time.Second,
		GlobalCap:          5 * time.Minute,
	}
}

// CircuitState names the state of a per-executor circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ApprovalStatus names the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalExecuting ApprovalStatus = "executing"
	ApprovalCompleted ApprovalStatus = "completed"
	ApprovalFailed    ApprovalStatus = "failed"
)

// RiskLevel names the risk tier used for auto-expiry policy decisions.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// PriorityLevel names the urgency tier used to pick an approval request's
// expiry timeout. It is orthogonal to RiskLevel: priority governs how long a
// request waits for a human before it expires, risk governs what happens to
// it (auto-approve/auto-reject/expire) once it does.
type PriorityLevel string

const (
	PriorityLow    PriorityLevel = "low"
	PriorityMedium PriorityLevel = "medium"
	PriorityHigh   PriorityLevel = "high"
)

// ApprovalRequest is a single pending human-in-the-loop decision.
type ApprovalRequest struct {
	ID            string                 `json:"id"`
	Action        ActionRequest          `json:"action"`
	Risk          RiskLevel              `json:"risk"`
	Priority      PriorityLevel          `json:"priority"`
	Status        ApprovalStatus         `json:"status"`
	RequestedAt   time.Time              `json:"requestedAt"`
	DecidedAt     *time.Time             `json:"decidedAt,omitempty"`
	ExpiresAt     time.Time              `json:"expiresAt"`
	Decider       string                 `json:"decider,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	Modifications map[string]interface{} `json:"modifications,omitempty"`
}

// WorkflowStepStatus names the lifecycle state of a WorkflowStep.
type WorkflowStepStatus string

const (
	StepPending    WorkflowStepStatus = "pending"
	StepRunning    WorkflowStepStatus = "running"
	StepCompleted  WorkflowStepStatus = "completed"
	StepFailed     WorkflowStepStatus = "failed"
	StepSkipped    WorkflowStepStatus = "skipped"
	StepRolledBack WorkflowStepStatus = "rolled_back"
)

// WorkflowStep is one node of a workflow's dependency DAG.
type WorkflowStep struct {
	ID        string        `yaml:"id" json:"id"`
	Action    ActionRequest `yaml:"action" json:"action"`
	DependsOn []string      `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries   int           `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// WorkflowDefinition is a named, ordered set of steps.
type WorkflowDefinition struct {
	ID    string         `yaml:"id" json:"id" validate:"required"`
	Name  string         `yaml:"name" json:"name"`
	Steps []WorkflowStep `yaml:"steps" json:"steps" validate:"required,min=1"`
}

// StepResult records the outcome of one executed WorkflowStep.
type StepResult struct {
	StepID    string             `json:"stepId"`
	Status    WorkflowStepStatus `json:"status"`
	Result    *ActionResult      `json:"result,omitempty"`
	Err       string             `json:"error,omitempty"`
	StartedAt time.Time          `json:"startedAt"`
	EndedAt   time.Time          `json:"endedAt,omitempty"`
}

// WorkflowExecution is the live/finished run state of a WorkflowDefinition.
type WorkflowExecution struct {
	RunID       string                  `json:"runId"`
	WorkflowID  string                  `json:"workflowId"`
	Steps       map[string]*StepResult  `json:"steps"`
	StartedAt   time.Time               `json:"startedAt"`
	EndedAt     time.Time               `json:"endedAt,omitempty"`
	Failed      bool                    `json:"failed"`
	RolledBack  bool                    `json:"rolledBack"`
}

// RollbackClass names how reversible an executed action is.
type RollbackClass string

const (
	RollbackReversible           RollbackClass = "reversible"
	RollbackPartiallyReversible  RollbackClass = "partially_reversible"
	RollbackConfirmationRequired RollbackClass = "confirmation_required"
	RollbackNonReversible        RollbackClass = "non_reversible"
)

// MetricEntry is one recorded action outcome in the Metrics Collector's ring
// buffer and journal.
type MetricEntry struct {
	ID         string                 `json:"id"`
	Platform   string                 `json:"platform"`
	ActionType string                 `json:"actionType"`
	Status     string                 `json:"status"`
	Duration   time.Duration          `json:"duration"`
	ExecutedAt time.Time              `json:"executedAt"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}
