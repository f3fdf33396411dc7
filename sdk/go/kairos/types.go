package kairos

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskClaimed   TaskState = "claimed"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether the task will never run again.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// TaskError is the last failure recorded on a task.
type TaskError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message,omitempty"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
}

// TaskEvent is one transition in a task's lifecycle. Kind is one of
// enqueued, claimed, running, retried, reclaimed, cancelled, succeeded, failed.
type TaskEvent struct {
	ID        int64      `json:"id"`
	TaskID    uuid.UUID  `json:"task_id"`
	Kind      string     `json:"kind"`
	State     TaskState  `json:"state"`
	WorkerID  string     `json:"worker_id,omitempty"`
	Attempt   int        `json:"attempt"`
	Error     *TaskError `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Task is a unit of work as returned by the API.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	TaskType       string          `json:"task_type"`
	Payload        json.RawMessage `json:"payload"`
	State          TaskState       `json:"state"`
	ClaimedBy      *string         `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *TaskError      `json:"error,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	RunAfter       time.Time       `json:"run_after"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// EnqueueRequest submits a task. Payload may be any JSON-encodable value;
// zero MaxAttempts uses the server's configured limit for the task type.
type EnqueueRequest struct {
	TaskType    string     `json:"task_type"`
	Payload     any        `json:"payload,omitempty"`
	MaxAttempts int        `json:"max_attempts,omitempty"`
	RunAfter    *time.Time `json:"run_after,omitempty"`
}

// EnqueueResponse identifies the new task.
type EnqueueResponse struct {
	ID       uuid.UUID `json:"id"`
	RunAfter time.Time `json:"run_after"`
}

// ListTasksOptions filters ListTasks. Zero values are omitted.
type ListTasksOptions struct {
	State    TaskState
	TaskType string
	Limit    int
	Offset   int
}

// TaskPage is one page of ListTasks.
type TaskPage struct {
	Tasks   []Task
	Total   int
	HasMore bool
}

// Worker is one row of the worker health surface.
type Worker struct {
	WorkerID       string         `json:"worker_id"`
	LastSeenAt     time.Time      `json:"last_seen_at"`
	TasksCompleted int64          `json:"tasks_completed"`
	SystemInfo     map[string]any `json:"system_info,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	StoppedAt      *time.Time     `json:"stopped_at,omitempty"`
	Status         string         `json:"status"` // online | offline
}

// QueueHealth summarizes backlog and worker liveness.
type QueueHealth struct {
	Status string `json:"status"` // healthy | needs_attention | idle
	Tasks  struct {
		Pending             int64   `json:"pending"`
		Claimed             int64   `json:"claimed"`
		Running             int64   `json:"running"`
		Succeeded           int64   `json:"succeeded"`
		Failed              int64   `json:"failed"`
		FailedPct           float64 `json:"failed_pct"`
		OldestClaimableSecs int64   `json:"oldest_claimable_seconds"`
	} `json:"tasks"`
	Workers struct {
		Online  int `json:"online"`
		Offline int `json:"offline"`
	} `json:"workers"`
	Gaps []string `json:"gaps"`
}

// MetricsRecord is an engagement snapshot for one piece of content.
type MetricsRecord struct {
	ContentID   string             `json:"content_id"`
	TaskID      *uuid.UUID         `json:"task_id,omitempty"`
	Context     string             `json:"context,omitempty"`
	PublishedAt *time.Time         `json:"published_at,omitempty"`
	Metrics     map[string]float64 `json:"metrics"`
}

// Score is the normalized, weighted score of one piece of content.
type Score struct {
	ContentID   string             `json:"content_id"`
	TaskID      *uuid.UUID         `json:"task_id,omitempty"`
	Context     *string            `json:"context,omitempty"`
	PublishedAt *time.Time         `json:"published_at,omitempty"`
	Components  map[string]float64 `json:"components"`
	Weights     map[string]float64 `json:"weights"`
	Composite   float64            `json:"composite"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	RewardedAt  *time.Time         `json:"rewarded_at,omitempty"`
}

// Slot is a weekly time slot in UTC. DayOfWeek 0 is Sunday.
type Slot struct {
	DayOfWeek int `json:"day_of_week"`
	Hour      int `json:"hour"`
}

// TimingSlot is the Beta posterior for one slot in a context.
type TimingSlot struct {
	Context       string    `json:"context"`
	Slot          Slot      `json:"slot"`
	Alpha         float64   `json:"alpha"`
	Beta          float64   `json:"beta"`
	Observations  int64     `json:"observations"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// SampleRequest asks for a slot. Set exactly one of Candidates or HorizonHours.
type SampleRequest struct {
	Context      string `json:"context"`
	Candidates   []Slot `json:"candidates,omitempty"`
	HorizonHours int    `json:"horizon_hours,omitempty"`
}

// SampleResponse is the sampled slot and its next occurrence.
type SampleResponse struct {
	Context  string    `json:"context"`
	Slot     Slot      `json:"slot"`
	RunAfter time.Time `json:"run_after"`
}

// ScheduleRequest samples a slot and enqueues a task at its next occurrence.
type ScheduleRequest struct {
	Context      string `json:"context"`
	TaskType     string `json:"task_type"`
	Payload      any    `json:"payload,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	HorizonHours int    `json:"horizon_hours,omitempty"`
}

// ScheduleResponse is the enqueued task and the slot it was placed in.
type ScheduleResponse struct {
	Task Task `json:"task"`
	Slot Slot `json:"slot"`
}

// HealthStatus is the response of the unauthenticated health check.
type HealthStatus struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Postgres     string `json:"postgres"`
	PendingTasks int64  `json:"pending_tasks"`
	Uptime       int64  `json:"uptime_seconds"`
}
