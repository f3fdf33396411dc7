package kairos

import (
	"context"
	"encoding/json"

	"github.com/ashita-ai/kairos/internal/worker"
)

// Executor performs one task. Returning nil marks the task succeeded with
// result as its recorded output. Errors are retried with backoff unless
// wrapped with Permanent.
type Executor interface {
	Execute(ctx context.Context, task Task) (result json.RawMessage, err error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Transient marks err as retryable. Unmarked errors are already treated as
// transient; use it to make intent explicit.
func Transient(err error) error { return worker.Transient(err) }

// Permanent marks err as non-retryable: the task fails immediately.
func Permanent(err error) error { return worker.Permanent(err) }
