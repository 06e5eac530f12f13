// Package events implements the orchestration core's outbound event bus: a
// typed, in-process publish/subscribe point that every component (approval
// queue, circuit breaker, workflow runner, rollback executor, fallback
// engine) emits semantic events to, for the metrics collector, notification
// layer, and any external listener to observe.
package events

import "sync"

// Name identifies an event kind. Values follow the "{boundary}:{event}"
// convention used across the core (e.g. "workflow:started").
type Name string

const (
	ActionRequiresApproval Name = "action:requires_approval"

	ApprovalQueued    Name = "approval:queued"
	ApprovalDecided   Name = "approval:decided"
	ApprovalExecuting Name = "approval:executing"
	ApprovalCompleted Name = "approval:completed"
	ApprovalFailed    Name = "approval:failed"
	ApprovalExpired   Name = "approval:expired"

	CircuitOpened   Name = "circuit:opened"
	CircuitClosed   Name = "circuit:closed"
	CircuitHalfOpen Name = "circuit:half-open"

	RequestSuccess  Name = "request:success"
	RequestFailure  Name = "request:failure"
	RequestRejected Name = "request:rejected"

	FallbackUsed Name = "fallback:used"

	WorkflowStarted   Name = "workflow:started"
	WorkflowCompleted Name = "workflow:completed"
	WorkflowFailed    Name = "workflow:failed"
	WorkflowProgress  Name = "workflow:progress"

	StepStarted   Name = "step:started"
	StepCompleted Name = "step:completed"
	StepFailed    Name = "step:failed"

	RollbackStarted   Name = "rollback:started"
	RollbackCompleted Name = "rollback:completed"

	LearningFeedback Name = "learning:feedback"
)

// Event is one published occurrence: Name plus an opaque, event-specific
// payload (an ApprovalRequest, a progress snapshot, a stats struct, etc).
type Event struct {
	Name    Name
	Payload interface{}
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(Event)

// Bus is a simple fan-out publish/subscribe point. The zero value is not
// usable; construct with New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]Handler
	wildcard []Handler
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Name][]Handler)}
}

// Subscribe registers handler to run for every event named name.
func (b *Bus) Subscribe(name Name, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], handler)
}

// SubscribeAll registers handler to run for every event published,
// regardless of name. Useful for the metrics collector and audit logging.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, handler)
}

// Publish fans event out to every handler registered for its name plus
// every wildcard handler, in registration order.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	named := append([]Handler(nil), b.handlers[event.Name]...)
	wildcard := append([]Handler(nil), b.wildcard...)
	b.mu.RUnlock()

	for _, h := range named {
		h(event)
	}
	for _, h := range wildcard {
		h(event)
	}
}

// Emit is a convenience wrapper around Publish for callers that don't
// already have an Event value.
func (b *Bus) Emit(name Name, payload interface{}) {
	b.Publish(Event{Name: name, Payload: payload})
}
