package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskEventKind names one lifecycle transition of a task.
type TaskEventKind string

const (
	EventEnqueued  TaskEventKind = "enqueued"
	EventClaimed   TaskEventKind = "claimed"
	EventRunning   TaskEventKind = "running"
	EventSucceeded TaskEventKind = "succeeded"
	EventFailed    TaskEventKind = "failed"
	EventRetried   TaskEventKind = "retried"
	EventReclaimed TaskEventKind = "reclaimed"
	EventCancelled TaskEventKind = "cancelled"
)

// TaskEvent is one entry in a task's lifecycle history. State is the task's
// state after the transition; a reclaimed event whose attempts were exhausted
// carries state failed. WorkerID is the claimant gaining or losing the task.
type TaskEvent struct {
	ID        int64         `json:"id"`
	TaskID    uuid.UUID     `json:"task_id"`
	Kind      TaskEventKind `json:"kind"`
	State     TaskState     `json:"state"`
	WorkerID  *string       `json:"worker_id,omitempty"`
	Attempt   int           `json:"attempt"`
	Error     *TaskError    `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Final reports whether no event will follow e for the same task.
func (e TaskEvent) Final() bool {
	return e.State.Terminal()
}
