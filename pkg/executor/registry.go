package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaycore/actioncore/pkg/types"
)

// ActionRegistry is a concurrency-safe lookup of action name to Executor.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Executor
}

// NewActionRegistry builds an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]Executor)}
}

// Register binds name to handler. Registering an already-registered name
// errors rather than silently replacing it.
func (r *ActionRegistry) Register(name string, handler Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("action %q already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// RegisterFunc is a convenience wrapper around Register for plain functions.
func (r *ActionRegistry) RegisterFunc(name string, fn HandlerFunc) error {
	return r.Register(name, fn)
}

// Unregister removes name's handler. A no-op if name was never registered.
func (r *ActionRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

// Execute dispatches req to the handler registered for req.Action.
func (r *ActionRegistry) Execute(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
	r.mu.RLock()
	handler, ok := r.handlers[req.Action]
	r.mu.RUnlock()
	if !ok {
		return types.ActionResult{}, fmt.Errorf("unknown action: %s", req.Action)
	}
	return handler.Execute(ctx, req)
}

// GetRegisteredActions returns every currently registered action name.
func (r *ActionRegistry) GetRegisteredActions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// IsRegistered reports whether name has a registered handler.
func (r *ActionRegistry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Count returns the number of registered actions.
func (r *ActionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
