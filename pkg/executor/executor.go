// Package executor defines the orchestration core's consumed Executor
// interface and a concurrency-safe registry of named action handlers, used
// by the stack to dispatch an ActionRequest to whatever platform-specific
// code actually performs it.
package executor

import (
	"context"

	"github.com/relaycore/actioncore/pkg/types"
)

// Executor is the interface every platform-specific action handler
// implements. The core never inspects result except to store it for
// idempotency/stale-cache lookups and to extract an id for later rollback.
type Executor interface {
	Execute(ctx context.Context, req types.ActionRequest) (types.ActionResult, error)
}

// HandlerFunc adapts a plain function to the Executor interface.
type HandlerFunc func(ctx context.Context, req types.ActionRequest) (types.ActionResult, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, req types.ActionRequest) (types.ActionResult, error) {
	return f(ctx, req)
}
