package kairos

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task is the view of a claimed task handed to an Executor.
// It is a curated copy of the internal task row; no internal package imports.
type Task struct {
	ID       uuid.UUID
	TaskType string
	Payload  json.RawMessage
	// Attempt is 1 on the first execution and increments on every retry.
	Attempt     int
	MaxAttempts int
	CreatedAt   time.Time
}

// IdempotencyKey is stable across retries of the same task. Forward it to
// external systems so a redelivered task does not act twice.
func (t Task) IdempotencyKey() string {
	return t.ID.String()
}
