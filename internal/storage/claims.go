package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kairos/internal/model"
)

// claimCandidates bounds how many times ClaimNext moves on to the next
// candidate after losing a race for one.
const claimCandidates = 3

const (
	txRetries   = 3
	txBaseDelay = 10 * time.Millisecond
)

// ClaimNext atomically claims the oldest claimable pending task of taskType
// for workerID with the given lease. It returns nil, nil when nothing is
// claimable.
//
// The claim is a single conditional update: the inner SELECT skips rows other
// claimers hold locked, and the outer state = 'pending' re-check is the
// compare-and-swap. At most one caller can move a given row out of pending,
// and each successful claim bumps claim_token and attempt_count.
func (db *DB) ClaimNext(ctx context.Context, taskType, workerID string, lease time.Duration) (*model.Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("storage: claim next: worker id is required")
	}
	if lease <= 0 {
		return nil, fmt.Errorf("storage: claim next: lease must be positive")
	}

	for range claimCandidates {
		var t model.Task
		err := WithRetry(ctx, txRetries, txBaseDelay, func() error {
			var err error
			t, err = scanTask(db.pool.QueryRow(ctx,
				`UPDATE tasks SET
				     state = 'claimed',
				     claimed_by = $2,
				     claimed_at = now(),
				     lease_expires_at = now() + make_interval(secs => $3::double precision),
				     attempt_count = attempt_count + 1,
				     claim_token = claim_token + 1,
				     updated_at = now()
				 WHERE id = (
				     SELECT id FROM tasks
				     WHERE state = 'pending' AND task_type = $1 AND run_after <= now()
				     ORDER BY created_at, id
				     LIMIT 1
				     FOR UPDATE SKIP LOCKED
				 )
				 AND state = 'pending'
				 RETURNING `+taskColumns,
				taskType, workerID, lease.Seconds(),
			))
			return err
		})
		if err == nil {
			return &t, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: claim next: %w", classify(err))
		}

		// Zero rows: either nothing is claimable or another claimer won the
		// candidate between our select and update. Only the latter is worth
		// another attempt.
		var claimable bool
		if err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (
			     SELECT 1 FROM tasks
			     WHERE state = 'pending' AND task_type = $1 AND run_after <= now()
			 )`, taskType,
		).Scan(&claimable); err != nil {
			return nil, fmt.Errorf("storage: claim next: %w", classify(err))
		}
		if !claimable {
			return nil, nil
		}
	}
	return nil, nil
}

// MarkRunning moves a claimed task to running. Returns ErrLeaseLost if the
// claim no longer matches the row.
func (db *DB) MarkRunning(ctx context.Context, c model.Claim) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tasks SET state = 'running', updated_at = now()
		 WHERE id = $1 AND claimed_by = $2 AND claim_token = $3 AND state = 'claimed'`,
		c.TaskID, c.WorkerID, c.Token,
	)
	if err != nil {
		return fmt.Errorf("storage: mark running: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ExtendLease pushes the lease of an owned task out to now + lease.
func (db *DB) ExtendLease(ctx context.Context, c model.Claim, lease time.Duration) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tasks SET lease_expires_at = now() + make_interval(secs => $4::double precision), updated_at = now()
		 WHERE id = $1 AND claimed_by = $2 AND claim_token = $3 AND state IN ('claimed', 'running')`,
		c.TaskID, c.WorkerID, c.Token, lease.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("storage: extend lease: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release gives up a claim with the given outcome. The write is conditional
// on the task still being owned under c; otherwise ErrLeaseLost is returned
// and no row is modified. Terminal outcomes also bump the owner's
// tasks_completed counter in the same transaction.
func (db *DB) Release(ctx context.Context, c model.Claim, outcome model.ReleaseOutcome) error {
	var (
		state    model.TaskState
		terminal bool
	)
	switch outcome.Kind {
	case model.OutcomeSucceeded:
		state, terminal = model.TaskSucceeded, true
	case model.OutcomeFailed:
		state, terminal = model.TaskFailed, true
	case model.OutcomeRetry:
		state = model.TaskPending
	default:
		return fmt.Errorf("storage: release: unknown outcome %q", outcome.Kind)
	}

	err := WithRetry(ctx, txRetries, txBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var tag pgconn.CommandTag
		if terminal {
			tag, err = tx.Exec(ctx,
				`UPDATE tasks SET
				     state = $4,
				     result = $5,
				     error = $6,
				     claimed_by = NULL,
				     claimed_at = NULL,
				     lease_expires_at = NULL,
				     completed_at = now(),
				     updated_at = now()
				 WHERE id = $1 AND claimed_by = $2 AND claim_token = $3
				   AND state IN ('claimed', 'running')`,
				c.TaskID, c.WorkerID, c.Token, string(state), jsonOrNull(outcome.Result), outcome.Error,
			)
		} else {
			var runAfter any
			if !outcome.RunAfter.IsZero() {
				runAfter = outcome.RunAfter.UTC()
			}
			tag, err = tx.Exec(ctx,
				`UPDATE tasks SET
				     state = 'pending',
				     error = $4,
				     run_after = COALESCE($5::timestamptz, now()),
				     claimed_by = NULL,
				     claimed_at = NULL,
				     lease_expires_at = NULL,
				     updated_at = now()
				 WHERE id = $1 AND claimed_by = $2 AND claim_token = $3
				   AND state IN ('claimed', 'running')`,
				c.TaskID, c.WorkerID, c.Token, outcome.Error, runAfter,
			)
		}
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrLeaseLost
		}

		if terminal {
			if _, err := tx.Exec(ctx,
				`UPDATE worker_heartbeats SET tasks_completed = tasks_completed + 1
				 WHERE worker_id = $1`, c.WorkerID,
			); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
	if errors.Is(err, ErrLeaseLost) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("storage: release: %w", classify(err))
	}
	return nil
}

// CancelTask fails a task that has not finished yet, recording a cancelled
// error. Ownership is cleared and claim_token bumped in the same statement, so
// a worker still executing the task gets ErrLeaseLost on its next owner-side
// write. Returns ErrNotFound for an unknown id and ErrTaskTerminal when the
// task already succeeded or failed.
func (db *DB) CancelTask(ctx context.Context, id uuid.UUID, reason string) (model.Task, error) {
	t, err := scanTask(db.pool.QueryRow(ctx,
		`UPDATE tasks SET
		     state = 'failed',
		     error = jsonb_strip_nulls(jsonb_build_object(
		         'kind', $2::text,
		         'message', NULLIF($3::text, ''),
		         'attempt', attempt_count,
		         'at', now())),
		     claimed_by = NULL,
		     claimed_at = NULL,
		     lease_expires_at = NULL,
		     claim_token = claim_token + 1,
		     completed_at = now(),
		     updated_at = now()
		 WHERE id = $1 AND state IN ('pending', 'claimed', 'running')
		 RETURNING `+taskColumns,
		id, model.ErrorKindCancelled, reason,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, fmt.Errorf("storage: cancel task: %w", classify(err))
	}
	if _, err := db.GetTask(ctx, id); err != nil {
		return model.Task{}, err
	}
	return model.Task{}, ErrTaskTerminal
}
