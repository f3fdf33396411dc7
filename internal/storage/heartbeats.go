package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kairos/internal/model"
)

const heartbeatColumns = `worker_id, last_seen_at, tasks_completed, system_info, started_at, stopped_at`

func scanHeartbeat(row pgx.Row) (model.WorkerHeartbeat, error) {
	var h model.WorkerHeartbeat
	err := row.Scan(&h.WorkerID, &h.LastSeenAt, &h.TasksCompleted, &h.SystemInfo, &h.StartedAt, &h.StoppedAt)
	return h, err
}

// RegisterWorker records a worker (re)starting. It resets started_at and
// clears stopped_at but keeps the lifetime tasks_completed counter.
func (db *DB) RegisterWorker(ctx context.Context, workerID string, systemInfo map[string]any) error {
	if systemInfo == nil {
		systemInfo = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO worker_heartbeats (worker_id, last_seen_at, system_info, started_at)
		 VALUES ($1, now(), $2, now())
		 ON CONFLICT (worker_id) DO UPDATE SET
		     last_seen_at = GREATEST(worker_heartbeats.last_seen_at, EXCLUDED.last_seen_at),
		     system_info = EXCLUDED.system_info,
		     started_at = EXCLUDED.started_at,
		     stopped_at = NULL`,
		workerID, systemInfo,
	)
	if err != nil {
		return fmt.Errorf("storage: register worker: %w", classify(err))
	}
	return nil
}

// Beat upserts the worker's liveness row. last_seen_at never moves backwards,
// even when beats from a lagging clock or a delayed retry arrive out of order.
func (db *DB) Beat(ctx context.Context, workerID string, systemInfo map[string]any) error {
	if systemInfo == nil {
		systemInfo = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO worker_heartbeats (worker_id, last_seen_at, system_info, started_at)
		 VALUES ($1, now(), $2, now())
		 ON CONFLICT (worker_id) DO UPDATE SET
		     last_seen_at = GREATEST(worker_heartbeats.last_seen_at, EXCLUDED.last_seen_at),
		     system_info = EXCLUDED.system_info`,
		workerID, systemInfo,
	)
	if err != nil {
		return fmt.Errorf("storage: beat: %w", classify(err))
	}
	return nil
}

// MarkStopped records a graceful shutdown so the reclamation sweep treats the
// worker's remaining claims as abandoned without waiting for staleness.
func (db *DB) MarkStopped(ctx context.Context, workerID string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE worker_heartbeats SET stopped_at = now(),
		     last_seen_at = GREATEST(last_seen_at, now())
		 WHERE worker_id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("storage: mark stopped: %w", classify(err))
	}
	return nil
}

// GetHeartbeat returns a worker's liveness row. Returns ErrNotFound if the
// worker has never beaten.
func (db *DB) GetHeartbeat(ctx context.Context, workerID string) (model.WorkerHeartbeat, error) {
	h, err := scanHeartbeat(db.pool.QueryRow(ctx,
		`SELECT `+heartbeatColumns+` FROM worker_heartbeats WHERE worker_id = $1`, workerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkerHeartbeat{}, ErrNotFound
		}
		return model.WorkerHeartbeat{}, fmt.Errorf("storage: get heartbeat: %w", classify(err))
	}
	return h, nil
}

// IsAlive reports whether the worker has beaten within staleAfter (by the
// database clock) and has not stopped. Unknown workers are not alive.
func (db *DB) IsAlive(ctx context.Context, workerID string, staleAfter time.Duration) (bool, error) {
	var alive bool
	err := db.pool.QueryRow(ctx,
		`SELECT stopped_at IS NULL AND last_seen_at > now() - make_interval(secs => $2::double precision)
		 FROM worker_heartbeats WHERE worker_id = $1`,
		workerID, staleAfter.Seconds(),
	).Scan(&alive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("storage: is alive: %w", classify(err))
	}
	return alive, nil
}

// ListWorkers returns every known worker with its status computed against
// the database clock.
func (db *DB) ListWorkers(ctx context.Context, staleAfter time.Duration) ([]model.WorkerHealth, error) {
	now, err := db.Now(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+heartbeatColumns+` FROM worker_heartbeats ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list workers: %w", classify(err))
	}
	defer rows.Close()

	var workers []model.WorkerHealth
	for rows.Next() {
		h, err := scanHeartbeat(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan heartbeat: %w", err)
		}
		workers = append(workers, model.NewWorkerHealth(h, now, staleAfter))
	}
	return workers, rows.Err()
}
