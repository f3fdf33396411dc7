package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a task.
// Transitions are forward-only except for the retry edge, which returns a
// claimed or running task to pending and clears its ownership.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskClaimed   TaskState = "claimed"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// Owned reports whether a task in state s has a claimant.
func (s TaskState) Owned() bool {
	return s == TaskClaimed || s == TaskRunning
}

// ParseTaskState validates a state string from a query parameter.
func ParseTaskState(s string) (TaskState, error) {
	switch TaskState(s) {
	case TaskPending, TaskClaimed, TaskRunning, TaskSucceeded, TaskFailed:
		return TaskState(s), nil
	default:
		return "", fmt.Errorf("invalid task state %q", s)
	}
}

// Error kinds recorded on a task's error column.
const (
	ErrorKindTransient    = "transient"
	ErrorKindPermanent    = "permanent"
	ErrorKindTimeout      = "timeout"
	ErrorKindLeaseExpired = "lease_expired"
	ErrorKindShutdown     = "shutdown"
	ErrorKindCancelled    = "cancelled"
)

// TaskError is the structured error stored on a task row.
type TaskError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message,omitempty"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
}

// Task is a unit of work coordinated through the shared store.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	TaskType       string          `json:"task_type"`
	Payload        json.RawMessage `json:"payload"`
	State          TaskState       `json:"state"`
	ClaimedBy      *string         `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	ClaimToken     int64           `json:"claim_token"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *TaskError      `json:"error,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	RunAfter       time.Time       `json:"run_after"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// IdempotencyKey is handed to executors so that side effects of a task
// executed more than once can be deduplicated downstream.
func (t Task) IdempotencyKey() string {
	return t.ID.String()
}

// Claim returns the ownership proof for t. Only meaningful for a task
// returned by a successful claim.
func (t Task) Claim() Claim {
	var owner string
	if t.ClaimedBy != nil {
		owner = *t.ClaimedBy
	}
	return Claim{TaskID: t.ID, WorkerID: owner, Token: t.ClaimToken}
}

// Claim identifies one specific ownership of a task. Owner-side writes are
// accepted only when all three fields still match the row.
type Claim struct {
	TaskID   uuid.UUID
	WorkerID string
	Token    int64
}

// OutcomeKind selects how a claimed task is released.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeRetry     OutcomeKind = "retry"
)

// ReleaseOutcome is what the owner reports when giving up a claim.
type ReleaseOutcome struct {
	Kind     OutcomeKind
	Result   json.RawMessage
	Error    *TaskError
	RunAfter time.Time
}

// Succeeded releases a task as done with the given result.
func Succeeded(result json.RawMessage) ReleaseOutcome {
	return ReleaseOutcome{Kind: OutcomeSucceeded, Result: result}
}

// Failed releases a task into its terminal failed state.
func Failed(taskErr TaskError) ReleaseOutcome {
	return ReleaseOutcome{Kind: OutcomeFailed, Error: &taskErr}
}

// Retry returns a task to pending; it becomes claimable at runAfter.
func Retry(taskErr TaskError, runAfter time.Time) ReleaseOutcome {
	return ReleaseOutcome{Kind: OutcomeRetry, Error: &taskErr, RunAfter: runAfter}
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	State    *TaskState
	TaskType string
	Limit    int
	Offset   int
}

// MaxTaskTypeLen bounds task type identifiers.
const MaxTaskTypeLen = 128

// ValidateTaskType checks that a task type is a non-empty identifier made of
// lowercase letters, digits, dots, hyphens and underscores.
func ValidateTaskType(tt string) error {
	if len(tt) == 0 {
		return fmt.Errorf("task_type is required")
	}
	if len(tt) > MaxTaskTypeLen {
		return fmt.Errorf("task_type must be at most %d characters", MaxTaskTypeLen)
	}
	for i := 0; i < len(tt); i++ {
		c := tt[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '.' && c != '-' && c != '_' {
			return fmt.Errorf("task_type contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// TaskStats summarizes the queue for health reporting.
type TaskStats struct {
	ByState            map[TaskState]int64
	OldestClaimableAge time.Duration // zero when nothing is claimable
}
