package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kairos/internal/model"
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const timingColumns = `context, day_of_week, hour, alpha, beta, observations, last_updated_at`

func scanTimingSlot(row pgx.Row) (model.TimingSlot, error) {
	var s model.TimingSlot
	err := row.Scan(&s.Context, &s.Slot.DayOfWeek, &s.Slot.Hour, &s.Alpha, &s.Beta, &s.Observations, &s.LastUpdatedAt)
	return s, err
}

// ListTimingSlots returns every persisted slot for a context. Slots that have
// never been rewarded are absent and read as the uniform prior.
func (db *DB) ListTimingSlots(ctx context.Context, timingContext string) ([]model.TimingSlot, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+timingColumns+` FROM timing_slots WHERE context = $1
		 ORDER BY day_of_week, hour`, timingContext)
	if err != nil {
		return nil, fmt.Errorf("storage: list timing slots: %w", classify(err))
	}
	defer rows.Close()

	var slots []model.TimingSlot
	for rows.Next() {
		s, err := scanTimingSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan timing slot: %w", err)
		}
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

// SlotPosteriors returns the posterior for each requested slot, filling
// missing rows with Beta(1,1).
func (db *DB) SlotPosteriors(ctx context.Context, timingContext string, slots []model.Slot) (map[model.Slot]model.TimingSlot, error) {
	persisted, err := db.ListTimingSlots(ctx, timingContext)
	if err != nil {
		return nil, err
	}
	byKey := make(map[model.Slot]model.TimingSlot, len(persisted))
	for _, p := range persisted {
		byKey[p.Slot] = p
	}
	out := make(map[model.Slot]model.TimingSlot, len(slots))
	for _, s := range slots {
		if p, ok := byKey[s]; ok {
			out[s] = p
			continue
		}
		out[s] = model.UniformPrior(timingContext, s)
	}
	return out, nil
}

// IncrementSlot records one binary observation for a slot. The row is created
// on first use; concurrent increments are serialized by the row lock taken by
// ON CONFLICT DO UPDATE, so no observation is lost.
func (db *DB) IncrementSlot(ctx context.Context, timingContext string, slot model.Slot, success bool) (model.TimingSlot, error) {
	s, err := incrementSlot(ctx, db.pool, timingContext, slot, success)
	if err != nil {
		return model.TimingSlot{}, fmt.Errorf("storage: increment slot: %w", classify(err))
	}
	return s, nil
}

func incrementSlot(ctx context.Context, q querier, timingContext string, slot model.Slot, success bool) (model.TimingSlot, error) {
	if err := slot.Validate(); err != nil {
		return model.TimingSlot{}, err
	}
	var dAlpha, dBeta float64
	if success {
		dAlpha = 1
	} else {
		dBeta = 1
	}
	return scanTimingSlot(q.QueryRow(ctx,
		`INSERT INTO timing_slots (context, day_of_week, hour, alpha, beta, observations, last_updated_at)
		 VALUES ($1, $2, $3, 1 + $4::double precision, 1 + $5::double precision, 1, now())
		 ON CONFLICT (context, day_of_week, hour) DO UPDATE SET
		     alpha = timing_slots.alpha + $4::double precision,
		     beta = timing_slots.beta + $5::double precision,
		     observations = timing_slots.observations + 1,
		     last_updated_at = now()
		 RETURNING `+timingColumns,
		timingContext, slot.DayOfWeek, slot.Hour, dAlpha, dBeta,
	))
}
