package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kairos/internal/model"
	"github.com/ashita-ai/kairos/internal/storage"
)

func findReclaimed(reclaimed []storage.ReclaimedTask, id uuid.UUID) (storage.ReclaimedTask, bool) {
	for _, r := range reclaimed {
		if r.TaskID == id {
			return r, true
		}
	}
	return storage.ReclaimedTask{}, false
}

func TestReclaimAbandoned_ExpiredLease(t *testing.T) {
	ctx := context.Background()
	tt := uniqueType(t)
	enqueue(t, tt, 3)
	register(t, "crashy-worker")
	register(t, "rescue-worker")

	claimed, err := testDB.ClaimNext(ctx, tt, "crashy-worker", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	time.Sleep(150 * time.Millisecond)

	reclaimed, err := testDB.ReclaimAbandoned(ctx, time.Hour)
	require.NoError(t, err)
	r, ok := findReclaimed(reclaimed, claimed.ID)
	require.True(t, ok, "expired task must be reclaimed")
	assert.Equal(t, "crashy-worker", r.PreviousOwner)
	assert.Equal(t, model.TaskPending, r.State)

	stored, err := testDB.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, stored.State)
	assert.Nil(t, stored.ClaimedBy)
	assert.Nil(t, stored.LeaseExpiresAt)
	require.NotNil(t, stored.Error)
	assert.Equal(t, model.ErrorKindLeaseExpired, stored.Error.Kind)
	assert.Equal(t, 1, stored.Error.Attempt)

	again, err := testDB.ClaimNext(ctx, tt, "rescue-worker", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, claimed.ID, again.ID)
	assert.Equal(t, 2, again.AttemptCount)
	assert.Greater(t, again.ClaimToken, claimed.ClaimToken)
}

func TestReclaimAbandoned_StaleWorker(t *testing.T) {
	ctx := context.Background()
	tt := uniqueType(t)
	enqueue(t, tt, 3)
	register(t, "silent-worker")

	claimed, err := testDB.ClaimNext(ctx, tt, "silent-worker", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	backdateHeartbeat(t, "silent-worker", 5*time.Minute)

	reclaimed, err := testDB.ReclaimAbandoned(ctx, 90*time.Second)
	require.NoError(t, err)
	_, ok := findReclaimed(reclaimed, claimed.ID)
	assert.True(t, ok, "task owned by a stale worker must be reclaimed despite a live lease")
}

func TestReclaimAbandoned_StoppedWorker(t *testing.T) {
	ctx := context.Background()
	tt := uniqueType(t)
	enqueue(t, tt, 3)
	register(t, "stopping-worker")

	claimed, err := testDB.ClaimNext(ctx, tt, "stopping-worker", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, testDB.MarkStopped(ctx, "stopping-worker"))

	reclaimed, err := testDB.ReclaimAbandoned(ctx, time.Hour)
	require.NoError(t, err)
	_, ok := findReclaimed(reclaimed, claimed.ID)
	assert.True(t, ok)
}

func TestReclaimAbandoned_LiveOwnerUntouched(t *testing.T) {
	ctx := context.Background()
	tt := uniqueType(t)
	enqueue(t, tt, 3)
	register(t, "healthy-worker")

	claimed, err := testDB.ClaimNext(ctx, tt, "healthy-worker", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	reclaimed, err := testDB.ReclaimAbandoned(ctx, time.Minute)
	require.NoError(t, err)
	_, ok := findReclaimed(reclaimed, claimed.ID)
	assert.False(t, ok)

	stored, err := testDB.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskClaimed, stored.State)
}

func TestReclaimAbandoned_ExhaustedAttemptsFail(t *testing.T) {
	ctx := context.Background()
	tt := uniqueType(t)
	enqueue(t, tt, 1)
	register(t, "last-chance-worker")

	claimed, err := testDB.ClaimNext(ctx, tt, "last-chance-worker", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	expireLease(t, claimed.ID)

	reclaimed, err := testDB.ReclaimAbandoned(ctx, time.Hour)
	require.NoError(t, err)
	r, ok := findReclaimed(reclaimed, claimed.ID)
	require.True(t, ok)
	assert.Equal(t, model.TaskFailed, r.State)

	stored, err := testDB.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, stored.State)
	assert.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.Error)
	assert.Equal(t, model.ErrorKindLeaseExpired, stored.Error.Kind)

	again, err := testDB.ClaimNext(ctx, tt, "last-chance-worker", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, again, "an exhausted task is not run again")
}

func TestReclaimAbandoned_OwnerReleaseFirstWins(t *testing.T) {
	ctx := context.Background()
	tt := uniqueType(t)
	enqueue(t, tt, 3)
	register(t, "just-in-time-worker")

	claimed, err := testDB.ClaimNext(ctx, tt, "just-in-time-worker", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	expireLease(t, claimed.ID)

	// The owner reports completion before the sweep runs.
	require.NoError(t, testDB.Release(ctx, claimed.Claim(), model.Succeeded(nil)))

	reclaimed, err := testDB.ReclaimAbandoned(ctx, time.Hour)
	require.NoError(t, err)
	_, ok := findReclaimed(reclaimed, claimed.ID)
	assert.False(t, ok)

	stored, err := testDB.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskSucceeded, stored.State)
	assert.Nil(t, stored.Error)
}
