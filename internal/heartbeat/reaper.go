package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kairos/internal/storage"
	"github.com/ashita-ai/kairos/internal/telemetry"
)

// ReclaimStore is the store operation the Reaper drives.
type ReclaimStore interface {
	ReclaimAbandoned(ctx context.Context, staleAfter time.Duration) ([]storage.ReclaimedTask, error)
}

// Reaper periodically returns claims held by dead or departed workers to the
// queue, or fails them when they have no attempts left.
type Reaper struct {
	store      ReclaimStore
	staleAfter time.Duration
	interval   time.Duration
	logger     *slog.Logger
	reclaimed  metric.Int64Counter
}

// NewReaper creates a Reaper. staleAfter should be a few heartbeat intervals
// so a single missed beat does not cost a worker its claims.
func NewReaper(store ReclaimStore, staleAfter, interval time.Duration, logger *slog.Logger) *Reaper {
	counter, err := telemetry.Meter("kairos/heartbeat").Int64Counter("kairos.tasks.reclaimed",
		metric.WithDescription("Tasks taken back from abandoned claims"))
	if err != nil {
		logger.Warn("heartbeat: register reclaim counter", "error", err)
	}
	return &Reaper{
		store:      store,
		staleAfter: staleAfter,
		interval:   interval,
		logger:     logger,
		reclaimed:  counter,
	}
}

// Sweep runs one reclamation pass and returns what it took back.
func (r *Reaper) Sweep(ctx context.Context) ([]storage.ReclaimedTask, error) {
	reclaimed, err := r.store.ReclaimAbandoned(ctx, r.staleAfter)
	if err != nil {
		return nil, err
	}
	for _, t := range reclaimed {
		r.logger.Warn("heartbeat: reclaimed abandoned task",
			"task_id", t.TaskID,
			"task_type", t.TaskType,
			"previous_owner", t.PreviousOwner,
			"attempt", t.AttemptCount,
			"new_state", t.State,
		)
		if r.reclaimed != nil {
			r.reclaimed.Add(ctx, 1, metric.WithAttributes(
				attribute.String("task_type", t.TaskType),
				attribute.String("state", string(t.State)),
			))
		}
	}
	return reclaimed, nil
}

// Run sweeps every interval until ctx is cancelled. Store failures are logged
// and retried on the next tick.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, r.interval)
			if _, err := r.Sweep(sweepCtx); err != nil && ctx.Err() == nil {
				r.logger.Error("heartbeat: reclaim sweep failed", "error", err)
			}
			cancel()
		}
	}
}
