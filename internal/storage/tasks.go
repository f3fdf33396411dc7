package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kairos/internal/model"
)

// taskColumns is the column list scanned by scanTask, in order.
const taskColumns = `id, task_type, payload, state, claimed_by, claimed_at, lease_expires_at,
	claim_token, result, error, attempt_count, max_attempts, run_after,
	created_at, updated_at, completed_at`

func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	err := row.Scan(
		&t.ID, &t.TaskType, &t.Payload, &t.State, &t.ClaimedBy, &t.ClaimedAt, &t.LeaseExpiresAt,
		&t.ClaimToken, &t.Result, &t.Error, &t.AttemptCount, &t.MaxAttempts, &t.RunAfter,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	return t, err
}

// jsonOrNull maps an empty raw message to SQL NULL.
func jsonOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// CreateTask enqueues a new pending task and wakes listening workers.
// Enqueue does not deduplicate; callers that need dedup key on payload.
func (db *DB) CreateTask(ctx context.Context, req model.CreateTaskRequest, defaultMaxAttempts int) (model.Task, error) {
	if err := model.ValidateTaskType(req.TaskType); err != nil {
		return model.Task{}, fmt.Errorf("storage: create task: %w", err)
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	// run_after defaults to the database clock so it is comparable with the
	// now() used by ClaimNext.
	var runAfter any
	if req.RunAfter != nil {
		runAfter = req.RunAfter.UTC()
	}

	t, err := scanTask(db.pool.QueryRow(ctx,
		`INSERT INTO tasks (id, task_type, payload, max_attempts, run_after)
		 VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, now()))
		 RETURNING `+taskColumns,
		uuid.New(), req.TaskType, payload, maxAttempts, runAfter,
	))
	if err != nil {
		return model.Task{}, fmt.Errorf("storage: create task: %w", classify(err))
	}

	if err := db.Notify(ctx, ChannelTasks, t.TaskType); err != nil {
		// The task is durable; pollers will find it without the wake-up.
		db.logger.Warn("storage: notify enqueue", "task_id", t.ID, "error", err)
	}
	return t, nil
}

// GetTask returns a task by ID. Returns ErrNotFound if it does not exist.
func (db *DB) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	t, err := scanTask(db.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, ErrNotFound
		}
		return model.Task{}, fmt.Errorf("storage: get task: %w", classify(err))
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, newest first, and the total
// number of matching rows.
func (db *DB) ListTasks(ctx context.Context, f model.TaskFilter) ([]model.Task, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var (
		where []string
		args  []any
	)
	if f.State != nil {
		args = append(args, string(*f.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if f.TaskType != "" {
		args = append(args, f.TaskType)
		where = append(where, fmt.Sprintf("task_type = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count tasks: %w", classify(err))
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks`+clause+
			fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list tasks: %w", classify(err))
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

// CountPending returns the number of pending tasks, claimable or delayed.
func (db *DB) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE state = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count pending: %w", classify(err))
	}
	return n, nil
}

// Now returns the database clock. Leases and heartbeats are evaluated against
// it, so callers that compute deadlines relative to the store use this rather
// than the local clock.
func (db *DB) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := db.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("storage: now: %w", classify(err))
	}
	return now, nil
}

// TaskStats returns per-state task counts and the age of the oldest task
// that is claimable right now, both evaluated against the database clock.
func (db *DB) TaskStats(ctx context.Context) (model.TaskStats, error) {
	stats := model.TaskStats{ByState: make(map[model.TaskState]int64)}
	rows, err := db.pool.Query(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return model.TaskStats{}, fmt.Errorf("storage: task stats: %w", classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return model.TaskStats{}, fmt.Errorf("storage: scan task stats: %w", err)
		}
		stats.ByState[model.TaskState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return model.TaskStats{}, fmt.Errorf("storage: task stats: %w", classify(err))
	}

	var oldest *float64
	err = db.pool.QueryRow(ctx,
		`SELECT EXTRACT(EPOCH FROM now() - MIN(run_after))::float8
		 FROM tasks WHERE state = 'pending' AND run_after <= now()`,
	).Scan(&oldest)
	if err != nil {
		return model.TaskStats{}, fmt.Errorf("storage: oldest pending: %w", classify(err))
	}
	if oldest != nil {
		stats.OldestClaimableAge = time.Duration(*oldest * float64(time.Second))
	}
	return stats, nil
}
