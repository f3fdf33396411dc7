package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kairos/internal/model"
)

// ReclaimedTask describes one task taken back from an abandoned claim.
type ReclaimedTask struct {
	TaskID        uuid.UUID
	TaskType      string
	PreviousOwner string
	State         model.TaskState // pending, or failed when attempts are exhausted
	AttemptCount  int
}

// ReclaimAbandoned takes back every claimed or running task whose lease has
// expired or whose owner has not beaten within staleAfter (or has stopped).
// Each reclaimed row gets a lease_expired error recorded. A task that still
// has attempts left returns to pending. A task whose attempt_count has
// reached max_attempts is failed terminally with that lease_expired error
// and completed_at set; it is never run again. Callers see which way each
// row went in ReclaimedTask.State.
//
// The update is keyed on the claimed_by and claim_token observed in the same
// statement, so an owner whose release commits first wins and the row is
// skipped. Rows an owner currently holds locked are skipped, not waited on.
func (db *DB) ReclaimAbandoned(ctx context.Context, staleAfter time.Duration) ([]ReclaimedTask, error) {
	rows, err := db.pool.Query(ctx,
		`WITH abandoned AS (
		     SELECT t.id, t.claimed_by, t.claim_token
		     FROM tasks t
		     LEFT JOIN worker_heartbeats h ON h.worker_id = t.claimed_by
		     WHERE t.state IN ('claimed', 'running')
		       AND (
		           t.lease_expires_at <= now()
		           OR h.worker_id IS NULL
		           OR h.stopped_at IS NOT NULL
		           OR h.last_seen_at <= now() - make_interval(secs => $1::double precision)
		       )
		     FOR UPDATE OF t SKIP LOCKED
		 )
		 UPDATE tasks t SET
		     state = CASE WHEN t.attempt_count >= t.max_attempts THEN 'failed' ELSE 'pending' END,
		     error = jsonb_build_object(
		         'kind', $2::text,
		         'message', 'claim by ' || a.claimed_by || ' abandoned',
		         'attempt', t.attempt_count,
		         'at', now()),
		     completed_at = CASE WHEN t.attempt_count >= t.max_attempts THEN now() ELSE NULL END,
		     claimed_by = NULL,
		     claimed_at = NULL,
		     lease_expires_at = NULL,
		     updated_at = now()
		 FROM abandoned a
		 WHERE t.id = a.id
		   AND t.claimed_by = a.claimed_by
		   AND t.claim_token = a.claim_token
		   AND t.state IN ('claimed', 'running')
		 RETURNING t.id, t.task_type, a.claimed_by, t.state, t.attempt_count`,
		staleAfter.Seconds(), model.ErrorKindLeaseExpired,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: reclaim abandoned: %w", classify(err))
	}
	defer rows.Close()

	var reclaimed []ReclaimedTask
	for rows.Next() {
		var r ReclaimedTask
		if err := rows.Scan(&r.TaskID, &r.TaskType, &r.PreviousOwner, &r.State, &r.AttemptCount); err != nil {
			return nil, fmt.Errorf("storage: scan reclaimed task: %w", err)
		}
		reclaimed = append(reclaimed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: reclaim abandoned: %w", classify(err))
	}
	return reclaimed, nil
}
