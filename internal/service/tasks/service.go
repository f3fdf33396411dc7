// Package tasks provides the enqueue and query logic shared by the HTTP API,
// the MCP server and the timing scheduler, so every entry point applies the
// same validation and per-type max_attempts defaults.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kairos/internal/model"
	"github.com/ashita-ai/kairos/internal/telemetry"
)

// MaxAttemptsLimit caps max_attempts on a single task.
const MaxAttemptsLimit = 100

// maxCancelReason bounds the message stored with a cancellation.
const maxCancelReason = 500

// ErrInvalidInput marks caller mistakes; entry points map it to a 400.
var ErrInvalidInput = errors.New("invalid input")

// Store is the subset of storage.DB the service needs.
type Store interface {
	CreateTask(ctx context.Context, req model.CreateTaskRequest, defaultMaxAttempts int) (model.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (model.Task, error)
	ListTasks(ctx context.Context, f model.TaskFilter) ([]model.Task, int, error)
	CancelTask(ctx context.Context, id uuid.UUID, reason string) (model.Task, error)
	ListTaskEvents(ctx context.Context, taskID uuid.UUID, afterID int64) ([]model.TaskEvent, error)
}

// Service encapsulates task operations shared by HTTP and MCP handlers.
type Service struct {
	store              Store
	defaultMaxAttempts int
	perType            map[string]int
	logger             *slog.Logger

	enqueued  metric.Int64Counter
	cancelled metric.Int64Counter
}

// New creates a Service. perType maps task types to their configured
// max_attempts; types not present fall back to defaultMaxAttempts.
func New(store Store, defaultMaxAttempts int, perType map[string]int, logger *slog.Logger) *Service {
	enqueued, _ := telemetry.Meter("kairos/tasks").Int64Counter("kairos.tasks.enqueued",
		metric.WithDescription("Tasks accepted for execution"),
	)
	cancelled, _ := telemetry.Meter("kairos/tasks").Int64Counter("kairos.tasks.cancelled",
		metric.WithDescription("Tasks cancelled before finishing"),
	)
	if perType == nil {
		perType = map[string]int{}
	}
	return &Service{
		store:              store,
		defaultMaxAttempts: defaultMaxAttempts,
		perType:            perType,
		logger:             logger,
		enqueued:           enqueued,
		cancelled:          cancelled,
	}
}

// MaxAttemptsFor returns the max_attempts applied to a task of taskType
// enqueued without an explicit value.
func (s *Service) MaxAttemptsFor(taskType string) int {
	if n, ok := s.perType[taskType]; ok && n > 0 {
		return n
	}
	return s.defaultMaxAttempts
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Enqueue validates req and inserts a pending task. Enqueue does not
// deduplicate: two identical requests create two tasks.
func (s *Service) Enqueue(ctx context.Context, req model.CreateTaskRequest) (model.Task, error) {
	if err := model.ValidateTaskType(req.TaskType); err != nil {
		return model.Task{}, invalid("%s", err)
	}
	if req.MaxAttempts < 0 || req.MaxAttempts > MaxAttemptsLimit {
		return model.Task{}, invalid("max_attempts must be between 1 and %d", MaxAttemptsLimit)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return model.Task{}, invalid("payload must be valid JSON")
	}

	task, err := s.store.CreateTask(ctx, req, s.MaxAttemptsFor(req.TaskType))
	if err != nil {
		return model.Task{}, fmt.Errorf("tasks: enqueue: %w", err)
	}
	if s.enqueued != nil {
		s.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", task.TaskType)))
	}
	s.logger.Debug("tasks: enqueued", "task_id", task.ID, "task_type", task.TaskType, "run_after", task.RunAfter)
	return task, nil
}

// Get returns one task. storage.ErrNotFound passes through unwrapped-checkable.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, fmt.Errorf("tasks: get: %w", err)
	}
	return task, nil
}

// List returns tasks matching f and the total match count.
func (s *Service) List(ctx context.Context, f model.TaskFilter) ([]model.Task, int, error) {
	if f.TaskType != "" {
		if err := model.ValidateTaskType(f.TaskType); err != nil {
			return nil, 0, invalid("%s", err)
		}
	}
	tasks, total, err := s.store.ListTasks(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("tasks: list: %w", err)
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	return tasks, total, nil
}

// Cancel fails a task that has not finished. A worker still executing it
// loses its lease and its eventual result is discarded. Returns
// storage.ErrTaskTerminal when the task already succeeded or failed.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (model.Task, error) {
	if len(reason) > maxCancelReason {
		return model.Task{}, invalid("reason must be at most %d bytes", maxCancelReason)
	}
	task, err := s.store.CancelTask(ctx, id, reason)
	if err != nil {
		return model.Task{}, fmt.Errorf("tasks: cancel: %w", err)
	}
	if s.cancelled != nil {
		s.cancelled.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", task.TaskType)))
	}
	s.logger.Info("tasks: cancelled", "task_id", task.ID, "task_type", task.TaskType, "attempt", task.AttemptCount)
	return task, nil
}

// Events returns the lifecycle history of a task after event afterID.
func (s *Service) Events(ctx context.Context, id uuid.UUID, afterID int64) ([]model.TaskEvent, error) {
	if afterID < 0 {
		return nil, invalid("after must not be negative")
	}
	events, err := s.store.ListTaskEvents(ctx, id, afterID)
	if err != nil {
		return nil, fmt.Errorf("tasks: events: %w", err)
	}
	if events == nil {
		events = []model.TaskEvent{}
	}
	return events, nil
}
