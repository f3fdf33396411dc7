package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kairos/internal/model"
)

const scoreColumns = `content_id, task_id, context, published_at, components, weights, composite,
	created_at, updated_at, rewarded_at`

func scanScore(row pgx.Row) (model.OutcomeScore, error) {
	var s model.OutcomeScore
	err := row.Scan(&s.ContentID, &s.TaskID, &s.Context, &s.PublishedAt, &s.Components, &s.Weights,
		&s.Composite, &s.CreatedAt, &s.UpdatedAt, &s.RewardedAt)
	return s, err
}

// UpsertScore writes a score, overwriting components, weights and composite
// on recompute. created_at and rewarded_at survive recomputes; task, context
// and published_at are only filled in, never cleared.
func (db *DB) UpsertScore(ctx context.Context, s model.OutcomeScore) (model.OutcomeScore, error) {
	out, err := scanScore(db.pool.QueryRow(ctx,
		`INSERT INTO outcome_scores (content_id, task_id, context, published_at, components, weights, composite)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (content_id) DO UPDATE SET
		     task_id = COALESCE(EXCLUDED.task_id, outcome_scores.task_id),
		     context = COALESCE(EXCLUDED.context, outcome_scores.context),
		     published_at = COALESCE(EXCLUDED.published_at, outcome_scores.published_at),
		     components = EXCLUDED.components,
		     weights = EXCLUDED.weights,
		     composite = EXCLUDED.composite,
		     updated_at = now()
		 RETURNING `+scoreColumns,
		s.ContentID, s.TaskID, s.Context, s.PublishedAt, s.Components, s.Weights, s.Composite,
	))
	if err != nil {
		return model.OutcomeScore{}, fmt.Errorf("storage: upsert score: %w", classify(err))
	}
	return out, nil
}

// GetScore returns the score for a content item. Returns ErrNotFound if the
// content has not been scored.
func (db *DB) GetScore(ctx context.Context, contentID string) (model.OutcomeScore, error) {
	s, err := scanScore(db.pool.QueryRow(ctx,
		`SELECT `+scoreColumns+` FROM outcome_scores WHERE content_id = $1`, contentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.OutcomeScore{}, ErrNotFound
		}
		return model.OutcomeScore{}, fmt.Errorf("storage: get score: %w", classify(err))
	}
	return s, nil
}

// SelectWinners returns scores at or above threshold. Ties on composite are
// broken by earliest created_at, then content_id, so the order is total and
// stable across calls. A limit of zero or less returns every winner.
func (db *DB) SelectWinners(ctx context.Context, threshold float64, limit int) ([]model.OutcomeScore, error) {
	var limitArg any // NULL: LIMIT ALL
	if limit > 0 {
		limitArg = limit
	}
	return db.queryScores(ctx, "select winners",
		`SELECT `+scoreColumns+` FROM outcome_scores
		 WHERE composite >= $1
		 ORDER BY composite DESC, created_at ASC, content_id ASC
		 LIMIT $2::bigint`, threshold, limitArg)
}

// ListUnrewarded returns scores that carry a context and publish time but
// have not yet fed the timing optimizer, oldest first.
func (db *DB) ListUnrewarded(ctx context.Context, limit int) ([]model.OutcomeScore, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.queryScores(ctx, "list unrewarded",
		`SELECT `+scoreColumns+` FROM outcome_scores
		 WHERE rewarded_at IS NULL AND context IS NOT NULL AND published_at IS NOT NULL
		 ORDER BY created_at ASC, content_id ASC
		 LIMIT $1`, limit)
}

func (db *DB) queryScores(ctx context.Context, op, sql string, args ...any) ([]model.OutcomeScore, error) {
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: %s: %w", op, classify(err))
	}
	defer rows.Close()

	var scores []model.OutcomeScore
	for rows.Next() {
		s, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan score: %w", err)
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

// ApplyReward marks a score as rewarded and records the binary observation on
// the slot it was published in, in one transaction. It returns false without
// touching the slot when the reward was already applied, so each content
// item feeds the optimizer at most once.
func (db *DB) ApplyReward(ctx context.Context, contentID string, success bool) (bool, error) {
	applied := false
	err := WithRetry(ctx, txRetries, txBaseDelay, func() error {
		applied = false
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var (
			timingContext string
			slot          model.Slot
		)
		err = tx.QueryRow(ctx,
			`UPDATE outcome_scores SET rewarded_at = now()
			 WHERE content_id = $1 AND rewarded_at IS NULL
			   AND context IS NOT NULL AND published_at IS NOT NULL
			 RETURNING context,
			     EXTRACT(DOW FROM published_at AT TIME ZONE 'UTC')::int,
			     EXTRACT(HOUR FROM published_at AT TIME ZONE 'UTC')::int`,
			contentID,
		).Scan(&timingContext, &slot.DayOfWeek, &slot.Hour)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := incrementSlot(ctx, tx, timingContext, slot, success); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage: apply reward: %w", classify(err))
	}
	return applied, nil
}
