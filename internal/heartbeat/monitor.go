package heartbeat

import (
	"context"
	"time"

	"github.com/ashita-ai/kairos/internal/model"
)

// LivenessStore answers liveness queries against the store clock.
type LivenessStore interface {
	IsAlive(ctx context.Context, workerID string, staleAfter time.Duration) (bool, error)
	ListWorkers(ctx context.Context, staleAfter time.Duration) ([]model.WorkerHealth, error)
}

// Monitor binds the staleness threshold so callers of the health surface
// agree with the Reaper about who is online.
type Monitor struct {
	store      LivenessStore
	staleAfter time.Duration
}

// NewMonitor creates a Monitor.
func NewMonitor(store LivenessStore, staleAfter time.Duration) *Monitor {
	return &Monitor{store: store, staleAfter: staleAfter}
}

// IsAlive reports whether workerID has beaten recently and not stopped.
func (m *Monitor) IsAlive(ctx context.Context, workerID string) (bool, error) {
	return m.store.IsAlive(ctx, workerID, m.staleAfter)
}

// ListWorkers returns every known worker with its computed status.
func (m *Monitor) ListWorkers(ctx context.Context) ([]model.WorkerHealth, error) {
	return m.store.ListWorkers(ctx, m.staleAfter)
}

// StaleAfter is the heartbeat age beyond which a worker is offline.
func (m *Monitor) StaleAfter() time.Duration {
	return m.staleAfter
}
