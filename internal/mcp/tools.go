package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kairos/internal/ctxutil"
	"github.com/ashita-ai/kairos/internal/model"
	"github.com/ashita-ai/kairos/internal/service/tasks"
	"github.com/ashita-ai/kairos/internal/storage"
)

const queueHealthURI = "kairos://queue/health"

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			queueHealthURI,
			"Queue Health",
			mcplib.WithResourceDescription("Task backlog, worker liveness, and detected gaps"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleQueueHealthResource,
	)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("kairos_enqueue",
			mcplib.WithDescription(`Enqueue a task for the worker pool.

WHEN TO USE: when work should run in the background with retries. The task is
claimed by exactly one worker at a time and retried with backoff until it
succeeds or runs out of attempts.

WHAT YOU GET BACK: the task id and the time it becomes claimable. Follow it
with kairos_task.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("task_type",
				mcplib.Description("Registered task type, e.g. publish.http"),
				mcplib.Required(),
			),
			mcplib.WithString("payload",
				mcplib.Description("JSON document handed to the executor. Defaults to {}."),
			),
			mcplib.WithNumber("max_attempts",
				mcplib.Description("Override the configured attempt limit for this task"),
				mcplib.Min(1),
				mcplib.Max(tasks.MaxAttemptsLimit),
			),
		),
		s.handleEnqueue,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kairos_task",
			mcplib.WithDescription("Get a task by id, including its state, attempt count, result, and last error."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("id",
				mcplib.Description("Task id (UUID)"),
				mcplib.Required(),
			),
		),
		s.handleTask,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kairos_cancel",
			mcplib.WithDescription(`Cancel a task that has not finished.

The task fails with error kind "cancelled". A worker still executing it loses
its lease: the executor's context is cancelled at the next lease renewal and
its result is discarded. Finished tasks cannot be cancelled.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("id",
				mcplib.Description("Task id (UUID)"),
				mcplib.Required(),
			),
			mcplib.WithString("reason",
				mcplib.Description("Recorded as the error message"),
			),
		),
		s.handleCancel,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kairos_task_events",
			mcplib.WithDescription(`List a task's lifecycle history in order: enqueued, claimed, running,
retried, reclaimed, cancelled, succeeded, failed. Each event names the worker
involved and, for failures and retries, the recorded error.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("id",
				mcplib.Description("Task id (UUID)"),
				mcplib.Required(),
			),
		),
		s.handleTaskEvents,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kairos_workers",
			mcplib.WithDescription(`List workers with their liveness, plus an overall queue health summary.

A worker is online when its last heartbeat is within the staleness window.
Tasks held by offline workers are reclaimed by the sweep.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleWorkers,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kairos_winners",
			mcplib.WithDescription("List content whose composite score meets the threshold, best first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("threshold",
				mcplib.Description("Minimum composite score in [0,1]. Defaults to the reward threshold."),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of winners to return"),
				mcplib.Min(1),
				mcplib.Max(1000),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleWinners,
	)
}

func (s *Server) handleEnqueue(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if !model.RoleAtLeast(ctxutil.RoleFromContext(ctx), model.RoleService) {
		return errorResult("enqueue requires the service role"), nil
	}

	req := model.CreateTaskRequest{
		TaskType:    request.GetString("task_type", ""),
		MaxAttempts: request.GetInt("max_attempts", 0),
	}
	if raw := request.GetString("payload", ""); raw != "" {
		req.Payload = json.RawMessage(raw)
	}

	task, err := s.tasks.Enqueue(ctx, req)
	if err != nil {
		return errorResult(toolError("enqueue failed", err)), nil
	}

	return jsonResult(model.CreateTaskResponse{ID: task.ID, RunAfter: task.RunAfter})
}

func (s *Server) handleTask(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("id", ""))
	if err != nil {
		return errorResult("id must be a valid UUID"), nil
	}

	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return errorResult(toolError("get task failed", err)), nil
	}
	return jsonResult(task)
}

func (s *Server) handleCancel(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if !model.RoleAtLeast(ctxutil.RoleFromContext(ctx), model.RoleService) {
		return errorResult("cancel requires the service role"), nil
	}
	id, err := uuid.Parse(request.GetString("id", ""))
	if err != nil {
		return errorResult("id must be a valid UUID"), nil
	}

	task, err := s.tasks.Cancel(ctx, id, request.GetString("reason", ""))
	if err != nil {
		return errorResult(toolError("cancel failed", err)), nil
	}
	return jsonResult(task)
}

func (s *Server) handleTaskEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("id", ""))
	if err != nil {
		return errorResult("id must be a valid UUID"), nil
	}

	events, err := s.tasks.Events(ctx, id, 0)
	if err != nil {
		return errorResult(toolError("list task events failed", err)), nil
	}
	return jsonResult(map[string]any{
		"task_id": id,
		"events":  events,
	})
}

func (s *Server) handleWorkers(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	workers, err := s.monitor.ListWorkers(ctx)
	if err != nil {
		return errorResult(toolError("list workers failed", err)), nil
	}
	if workers == nil {
		workers = []model.WorkerHealth{}
	}
	health, err := s.queueHealth.Compute(ctx)
	if err != nil {
		return errorResult(toolError("queue health failed", err)), nil
	}

	return jsonResult(map[string]any{
		"workers": workers,
		"queue":   health,
	})
}

func (s *Server) handleWinners(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threshold := request.GetFloat("threshold", s.engine.RewardThreshold())
	if threshold < 0 || threshold > 1 {
		return errorResult("threshold must be in [0,1]"), nil
	}
	limit := request.GetInt("limit", 20)
	if limit < 1 || limit > 1000 {
		limit = 20
	}

	winners, err := s.engine.SelectWinners(ctx, threshold, limit)
	if err != nil {
		return errorResult(toolError("select winners failed", err)), nil
	}
	if winners == nil {
		winners = []model.OutcomeScore{}
	}

	return jsonResult(map[string]any{
		"threshold": threshold,
		"winners":   winners,
		"total":     len(winners),
	})
}

func (s *Server) handleQueueHealthResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	health, err := s.queueHealth.Compute(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: queue health: %w", err)
	}

	data, err := json.MarshalIndent(health, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal queue health: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      queueHealthURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

// toolError keeps validation and not-found messages readable and hides
// internal failures behind the action name.
func toolError(action string, err error) string {
	switch {
	case errors.Is(err, tasks.ErrInvalidInput):
		return err.Error()
	case errors.Is(err, storage.ErrNotFound):
		return "not found"
	case errors.Is(err, storage.ErrTaskTerminal):
		return "task already finished"
	case errors.Is(err, storage.ErrStoreUnavailable):
		return action + ": store unavailable, retry later"
	default:
		return action
	}
}
