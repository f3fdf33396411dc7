// Package worker runs the polling side of the task queue: one supervised
// loop per task family that claims, executes, and releases tasks.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ashita-ai/kairos/internal/model"
)

// Executor performs one task. The task ID is stable across retries and should
// be forwarded to external systems as an idempotency key.
type Executor interface {
	Execute(ctx context.Context, task model.Task) (json.RawMessage, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, task model.Task) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task model.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Registry maps task types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a task type. Each type can be bound once.
func (r *Registry) Register(taskType string, exec Executor) error {
	if err := model.ValidateTaskType(taskType); err != nil {
		return fmt.Errorf("worker: register: %w", err)
	}
	if exec == nil {
		return fmt.Errorf("worker: register %q: nil executor", taskType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[taskType]; ok {
		return fmt.Errorf("worker: register %q: executor already registered", taskType)
	}
	r.executors[taskType] = exec
	return nil
}

// Lookup returns the executor for taskType.
func (r *Registry) Lookup(taskType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[taskType]
	return exec, ok
}

// TaskTypes lists registered task types in sorted order.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
