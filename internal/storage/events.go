package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kairos/internal/model"
)

// ChannelTaskEvents carries every task_events row as JSON. Rows are written
// and published by a trigger on tasks, so no write path can skip them.
const ChannelTaskEvents = "kairos_task_events"

// ListTaskEvents returns the lifecycle history of a task in order, starting
// after the event with id afterID (0 for the full history). Returns
// ErrNotFound when the task does not exist.
func (db *DB) ListTaskEvents(ctx context.Context, taskID uuid.UUID, afterID int64) ([]model.TaskEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, task_id, kind, state, worker_id, attempt, error, created_at
		 FROM task_events
		 WHERE task_id = $1 AND id > $2
		 ORDER BY id`,
		taskID, afterID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list task events: %w", classify(err))
	}
	defer rows.Close()

	var events []model.TaskEvent
	for rows.Next() {
		var e model.TaskEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Kind, &e.State, &e.WorkerID, &e.Attempt, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan task event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list task events: %w", classify(err))
	}

	if len(events) == 0 {
		var exists bool
		if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("storage: list task events: %w", classify(err))
		}
		if !exists {
			return nil, ErrNotFound
		}
	}
	return events, nil
}
