package queuehealth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kairos/internal/model"
)

type fakeStats struct {
	stats model.TaskStats
	err   error
}

func (f fakeStats) TaskStats(context.Context) (model.TaskStats, error) { return f.stats, f.err }

type fakeWorkers []model.WorkerHealth

func (f fakeWorkers) ListWorkers(context.Context) ([]model.WorkerHealth, error) { return f, nil }

func worker(id string, status model.WorkerStatus) model.WorkerHealth {
	return model.WorkerHealth{WorkerHeartbeat: model.WorkerHeartbeat{WorkerID: id}, Status: status}
}

func TestCompute_Healthy(t *testing.T) {
	svc := New(fakeStats{stats: model.TaskStats{ByState: map[model.TaskState]int64{
		model.TaskPending:   2,
		model.TaskRunning:   1,
		model.TaskSucceeded: 40,
		model.TaskFailed:    2,
	}, OldestClaimableAge: 3 * time.Second}}, fakeWorkers{worker("w1", model.WorkerOnline)})

	m, err := svc.Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, m.Status)
	assert.Equal(t, int64(2), m.Tasks.Pending)
	assert.Equal(t, int64(3), m.Tasks.OldestClaimableSecs)
	assert.InDelta(t, 4.76, m.Tasks.FailedPct, 0.01)
	assert.Equal(t, 1, m.Workers.Online)
	assert.Empty(t, m.Gaps)
}

func TestCompute_NoWorkersWithBacklog(t *testing.T) {
	svc := New(fakeStats{stats: model.TaskStats{ByState: map[model.TaskState]int64{
		model.TaskPending: 5,
	}, OldestClaimableAge: 10 * time.Minute}}, fakeWorkers{worker("w1", model.WorkerOffline)})

	m, err := svc.Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsAttention, m.Status)
	require.Len(t, m.Gaps, 2)
	assert.Equal(t, "No workers are online and 5 tasks are outstanding.", m.Gaps[0])
	assert.Contains(t, m.Gaps[1], "10m0s")
}

func TestCompute_Idle(t *testing.T) {
	svc := New(fakeStats{stats: model.TaskStats{ByState: map[model.TaskState]int64{}}}, fakeWorkers{})
	m, err := svc.Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, m.Status)
	assert.NotNil(t, m.Gaps)
}

func TestCompute_StoreError(t *testing.T) {
	svc := New(fakeStats{err: errors.New("boom")}, fakeWorkers{})
	_, err := svc.Compute(context.Background())
	assert.ErrorContains(t, err, "queuehealth: task stats")
}

func TestComputeGaps_MaxThree(t *testing.T) {
	gaps := computeGaps(
		TaskMetrics{Pending: 10, Succeeded: 1, Failed: 9, FailedPct: 90},
		WorkerMetrics{Online: 0, Offline: 4},
		time.Hour,
	)
	assert.Len(t, gaps, maxGaps)
}

func TestComputeStatus_HighFailureRate(t *testing.T) {
	assert.Equal(t, StatusNeedsAttention,
		computeStatus(TaskMetrics{Succeeded: 3, Failed: 1, FailedPct: 25}, WorkerMetrics{Online: 1}, 0))
}
