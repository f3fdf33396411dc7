package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kairos/internal/model"
)

// HandleCreateTask handles POST /v1/tasks.
func (h *Handlers) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTaskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	task, err := h.tasks.Enqueue(r.Context(), req)
	if err != nil {
		h.writeStoreError(w, r, "failed to enqueue task", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.CreateTaskResponse{
		ID:       task.ID,
		RunAfter: task.RunAfter,
	})
}

// HandleGetTask handles GET /v1/tasks/{id}.
func (h *Handlers) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid task id")
		return
	}

	task, err := h.tasks.Get(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, "failed to get task", err)
		return
	}
	writeJSON(w, r, http.StatusOK, task)
}

// HandleCancelTask handles POST /v1/tasks/{id}/cancel. The body is optional.
func (h *Handlers) HandleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid task id")
		return
	}

	var req model.CancelTaskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}

	task, err := h.tasks.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.writeStoreError(w, r, "failed to cancel task", err)
		return
	}
	writeJSON(w, r, http.StatusOK, task)
}

// HandleListTasks handles GET /v1/tasks?state=&task_type=&limit=&offset=.
func (h *Handlers) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := model.TaskFilter{
		TaskType: r.URL.Query().Get("task_type"),
		Limit:    queryLimit(r, 50),
		Offset:   queryOffset(r),
	}
	if s := r.URL.Query().Get("state"); s != "" {
		state, err := model.ParseTaskState(s)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		filter.State = &state
	}

	list, total, err := h.tasks.List(r.Context(), filter)
	if err != nil {
		h.writeStoreError(w, r, "failed to list tasks", err)
		return
	}
	writeList(w, r, list, len(list), total, filter.Limit, filter.Offset)
}

// HandleListWorkers handles GET /v1/workers.
func (h *Handlers) HandleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.monitor.ListWorkers(r.Context())
	if err != nil {
		h.writeStoreError(w, r, "failed to list workers", err)
		return
	}
	if workers == nil {
		workers = []model.WorkerHealth{}
	}
	writeJSON(w, r, http.StatusOK, workers)
}

// HandleQueueHealth handles GET /v1/queue/health.
func (h *Handlers) HandleQueueHealth(w http.ResponseWriter, r *http.Request) {
	m, err := h.queueHealth.Compute(r.Context())
	if err != nil {
		h.writeStoreError(w, r, "failed to compute queue health", err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}
