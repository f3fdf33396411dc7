// Package queuehealth summarizes the state of the shared queue and its
// workers. It answers "is work flowing?" by combining per-state task counts,
// the age of the oldest claimable task and worker liveness into a status and
// a short list of gaps an operator should look at.
package queuehealth

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/kairos/internal/model"
)

// Statuses reported by Compute.
const (
	StatusHealthy        = "healthy"
	StatusNeedsAttention = "needs_attention"
	StatusIdle           = "idle"
)

// StarvationAge is how long a claimable task may wait before the queue is
// considered starved.
const StarvationAge = 5 * time.Minute

// maxGaps bounds the gap list.
const maxGaps = 3

// Metrics is the queue health response.
type Metrics struct {
	Status  string        `json:"status"` // healthy, needs_attention, idle
	Tasks   TaskMetrics   `json:"tasks"`
	Workers WorkerMetrics `json:"workers"`
	Gaps    []string      `json:"gaps"`
}

// TaskMetrics counts tasks per state.
type TaskMetrics struct {
	Pending             int64   `json:"pending"`
	Claimed             int64   `json:"claimed"`
	Running             int64   `json:"running"`
	Succeeded           int64   `json:"succeeded"`
	Failed              int64   `json:"failed"`
	FailedPct           float64 `json:"failed_pct"` // of terminal tasks
	OldestClaimableSecs int64   `json:"oldest_claimable_seconds"`
}

// WorkerMetrics counts workers by computed status.
type WorkerMetrics struct {
	Online  int `json:"online"`
	Offline int `json:"offline"`
}

// Store is the read side the service needs.
type Store interface {
	TaskStats(ctx context.Context) (model.TaskStats, error)
}

// WorkerLister reports worker liveness; heartbeat.Monitor satisfies it.
type WorkerLister interface {
	ListWorkers(ctx context.Context) ([]model.WorkerHealth, error)
}

// Service computes queue health metrics.
type Service struct {
	store   Store
	workers WorkerLister
}

// New creates a queue health service.
func New(store Store, workers WorkerLister) *Service {
	return &Service{store: store, workers: workers}
}

// Compute calculates the current queue health.
func (s *Service) Compute(ctx context.Context) (*Metrics, error) {
	stats, err := s.store.TaskStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queuehealth: task stats: %w", err)
	}
	workers, err := s.workers.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("queuehealth: list workers: %w", err)
	}

	m := &Metrics{
		Tasks: TaskMetrics{
			Pending:             stats.ByState[model.TaskPending],
			Claimed:             stats.ByState[model.TaskClaimed],
			Running:             stats.ByState[model.TaskRunning],
			Succeeded:           stats.ByState[model.TaskSucceeded],
			Failed:              stats.ByState[model.TaskFailed],
			OldestClaimableSecs: int64(stats.OldestClaimableAge.Seconds()),
		},
	}
	if terminal := m.Tasks.Succeeded + m.Tasks.Failed; terminal > 0 {
		m.Tasks.FailedPct = float64(m.Tasks.Failed) / float64(terminal) * 100
	}
	for _, w := range workers {
		if w.Status == model.WorkerOnline {
			m.Workers.Online++
		} else {
			m.Workers.Offline++
		}
	}

	m.Gaps = computeGaps(m.Tasks, m.Workers, stats.OldestClaimableAge)
	m.Status = computeStatus(m.Tasks, m.Workers, stats.OldestClaimableAge)
	return m, nil
}

// computeGaps lists the most important problems, most severe first.
func computeGaps(t TaskMetrics, w WorkerMetrics, oldest time.Duration) []string {
	gaps := []string{}
	outstanding := t.Pending + t.Claimed + t.Running

	if w.Online == 0 && outstanding > 0 {
		gaps = append(gaps, fmt.Sprintf("No workers are online and %d tasks are outstanding.", outstanding))
	}
	if oldest >= StarvationAge {
		gaps = append(gaps, fmt.Sprintf(
			"The oldest claimable task has waited %s. Workers may be missing for its task type.",
			oldest.Truncate(time.Second)))
	}
	if t.FailedPct >= 25 {
		gaps = append(gaps, fmt.Sprintf("%.0f%% of finished tasks failed.", t.FailedPct))
	}
	if len(gaps) < maxGaps && w.Offline > 0 && w.Online > 0 {
		gaps = append(gaps, fmt.Sprintf("%d workers are offline.", w.Offline))
	}

	if len(gaps) > maxGaps {
		gaps = gaps[:maxGaps]
	}
	return gaps
}

// computeStatus determines the overall status. A single starvation signal is
// enough for needs_attention.
func computeStatus(t TaskMetrics, w WorkerMetrics, oldest time.Duration) string {
	outstanding := t.Pending + t.Claimed + t.Running
	if outstanding > 0 && w.Online == 0 {
		return StatusNeedsAttention
	}
	if oldest >= StarvationAge || t.FailedPct >= 25 {
		return StatusNeedsAttention
	}
	if outstanding == 0 && w.Online == 0 {
		return StatusIdle
	}
	return StatusHealthy
}
