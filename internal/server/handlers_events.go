package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kairos/internal/model"
)

// sseKeepalive is how often an idle event stream gets a comment line.
const sseKeepalive = 15 * time.Second

var errInvalidCursor = errors.New("after and Last-Event-ID must be a non-negative event id")

// HandleTaskEvents handles GET /v1/tasks/{id}/events. Without an
// "Accept: text/event-stream" header it returns the task's event history as
// JSON. With it, the history is replayed as SSE and live events follow until
// the task reaches a terminal state. Last-Event-ID (or ?after=) skips events
// the client already has.
func (h *Handlers) HandleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid task id")
		return
	}
	after, err := eventCursor(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		events, err := h.tasks.Events(r.Context(), id, after)
		if err != nil {
			h.writeStoreError(w, r, "failed to list task events", err)
			return
		}
		writeJSON(w, r, http.StatusOK, events)
		return
	}

	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
			"event stream not available (LISTEN/NOTIFY not configured)")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// Subscribe before reading history so nothing committed in between is lost;
	// duplicates are dropped by id below.
	ch := h.broker.Subscribe(id)
	defer h.broker.Unsubscribe(id, ch)

	history, err := h.tasks.Events(r.Context(), id, after)
	if err != nil {
		h.writeStoreError(w, r, "failed to list task events", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Idle streams outlive the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	last := after
	send := func(ev model.TaskEvent) bool {
		if ev.ID <= last {
			return true
		}
		msg, err := formatSSE(ev)
		if err != nil {
			h.logger.Warn("sse: encode task event", "error", err, "task_id", id)
			return false
		}
		if _, err := w.Write(msg); err != nil {
			return false
		}
		flusher.Flush()
		last = ev.ID
		return !ev.Final()
	}

	for _, ev := range history {
		if !send(ev) {
			return
		}
	}
	flusher.Flush()

	// A task that finished before the cursor produces no further events.
	ctx := r.Context()
	if task, err := h.tasks.Get(ctx, id); err == nil && task.State.Terminal() {
		tail, err := h.tasks.Events(ctx, id, last)
		if err != nil {
			return
		}
		for _, ev := range tail {
			if !send(ev) {
				return
			}
		}
		return
	}

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-ch:
			if !send(ev) {
				return
			}
		}
	}
}

// eventCursor reads the id of the last event a client has seen.
func eventCursor(r *http.Request) (int64, error) {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("after")
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errInvalidCursor
	}
	return n, nil
}
