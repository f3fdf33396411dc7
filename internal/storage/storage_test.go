package storage_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kairos/internal/model"
	"github.com/ashita-ai/kairos/internal/storage"
	"github.com/ashita-ai/kairos/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	ctx := context.Background()

	db, err := tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	testDB = db

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// uniqueType returns a task type no other test uses, so claims in one test
// never see tasks from another.
func uniqueType(t *testing.T) string {
	t.Helper()
	return "test." + uuid.NewString()[:8]
}

func enqueue(t *testing.T, taskType string, maxAttempts int) model.Task {
	t.Helper()
	task, err := testDB.CreateTask(context.Background(), model.CreateTaskRequest{
		TaskType:    taskType,
		Payload:     json.RawMessage(`{"n":1}`),
		MaxAttempts: maxAttempts,
	}, 3)
	require.NoError(t, err)
	return task
}

func register(t *testing.T, workerID string) {
	t.Helper()
	require.NoError(t, testDB.RegisterWorker(context.Background(), workerID, map[string]any{"test": true}))
}

func expireLease(t *testing.T, id uuid.UUID) {
	t.Helper()
	_, err := testDB.Pool().Exec(context.Background(),
		`UPDATE tasks SET lease_expires_at = now() - interval '1 second' WHERE id = $1`, id)
	require.NoError(t, err)
}

func backdateHeartbeat(t *testing.T, workerID string, by time.Duration) {
	t.Helper()
	_, err := testDB.Pool().Exec(context.Background(),
		`UPDATE worker_heartbeats SET last_seen_at = now() - make_interval(secs => $2::double precision)
		 WHERE worker_id = $1`, workerID, by.Seconds())
	require.NoError(t, err)
}
