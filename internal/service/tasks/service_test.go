package tasks_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kairos/internal/model"
	"github.com/ashita-ai/kairos/internal/service/tasks"
	"github.com/ashita-ai/kairos/internal/storage"
	"github.com/ashita-ai/kairos/internal/testutil"
)

type fakeStore struct {
	created        []model.CreateTaskRequest
	defaultApplied []int
	tasks          map[uuid.UUID]model.Task
	listFilter     model.TaskFilter
	err            error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[uuid.UUID]model.Task)}
}

func (f *fakeStore) CreateTask(_ context.Context, req model.CreateTaskRequest, defaultMaxAttempts int) (model.Task, error) {
	if f.err != nil {
		return model.Task{}, f.err
	}
	f.created = append(f.created, req)
	f.defaultApplied = append(f.defaultApplied, defaultMaxAttempts)
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	t := model.Task{ID: uuid.New(), TaskType: req.TaskType, Payload: req.Payload, State: model.TaskPending, MaxAttempts: maxAttempts}
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeStore) GetTask(_ context.Context, id uuid.UUID) (model.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return model.Task{}, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) ListTasks(_ context.Context, filter model.TaskFilter) ([]model.Task, int, error) {
	f.listFilter = filter
	return nil, 0, nil
}

func (f *fakeStore) CancelTask(_ context.Context, id uuid.UUID, reason string) (model.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return model.Task{}, storage.ErrNotFound
	}
	if t.State.Terminal() {
		return model.Task{}, storage.ErrTaskTerminal
	}
	t.State = model.TaskFailed
	t.Error = &model.TaskError{Kind: model.ErrorKindCancelled, Message: reason}
	f.tasks[id] = t
	return t, nil
}

func (f *fakeStore) ListTaskEvents(_ context.Context, taskID uuid.UUID, afterID int64) ([]model.TaskEvent, error) {
	if _, ok := f.tasks[taskID]; !ok {
		return nil, storage.ErrNotFound
	}
	return nil, nil
}

func TestEnqueue_AppliesPerTypeDefaults(t *testing.T) {
	store := newFakeStore()
	svc := tasks.New(store, 3, map[string]int{"publish.post": 7}, testutil.TestLogger())

	task, err := svc.Enqueue(context.Background(), model.CreateTaskRequest{TaskType: "publish.post"})
	require.NoError(t, err)
	assert.Equal(t, 7, task.MaxAttempts)

	task, err = svc.Enqueue(context.Background(), model.CreateTaskRequest{TaskType: "metrics.fetch"})
	require.NoError(t, err)
	assert.Equal(t, 3, task.MaxAttempts)

	task, err = svc.Enqueue(context.Background(), model.CreateTaskRequest{TaskType: "publish.post", MaxAttempts: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, task.MaxAttempts, "explicit value wins")

	assert.Equal(t, []int{7, 3, 7}, store.defaultApplied)
}

func TestEnqueue_Validation(t *testing.T) {
	svc := tasks.New(newFakeStore(), 3, nil, testutil.TestLogger())

	tests := []struct {
		name string
		req  model.CreateTaskRequest
	}{
		{"missing type", model.CreateTaskRequest{}},
		{"bad type", model.CreateTaskRequest{TaskType: "Publish Post"}},
		{"negative attempts", model.CreateTaskRequest{TaskType: "a", MaxAttempts: -1}},
		{"too many attempts", model.CreateTaskRequest{TaskType: "a", MaxAttempts: tasks.MaxAttemptsLimit + 1}},
		{"bad payload", model.CreateTaskRequest{TaskType: "a", Payload: json.RawMessage(`{nope`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enqueue(context.Background(), tt.req)
			assert.ErrorIs(t, err, tasks.ErrInvalidInput)
		})
	}
}

func TestEnqueue_StoreErrorIsNotInvalidInput(t *testing.T) {
	store := newFakeStore()
	store.err = storage.ErrStoreUnavailable
	svc := tasks.New(store, 3, nil, testutil.TestLogger())

	_, err := svc.Enqueue(context.Background(), model.CreateTaskRequest{TaskType: "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
	assert.False(t, errors.Is(err, tasks.ErrInvalidInput))
}

func TestGet_NotFound(t *testing.T) {
	svc := tasks.New(newFakeStore(), 3, nil, testutil.TestLogger())
	_, err := svc.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestList_ReturnsEmptySliceAndValidatesType(t *testing.T) {
	store := newFakeStore()
	svc := tasks.New(store, 3, nil, testutil.TestLogger())

	state := model.TaskFailed
	out, total, err := svc.List(context.Background(), model.TaskFilter{State: &state, TaskType: "publish.post", Limit: 10})
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
	assert.Zero(t, total)
	assert.Equal(t, "publish.post", store.listFilter.TaskType)

	_, _, err = svc.List(context.Background(), model.TaskFilter{TaskType: "NOT VALID"})
	assert.ErrorIs(t, err, tasks.ErrInvalidInput)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := tasks.New(store, 3, nil, testutil.TestLogger())

	task, err := svc.Enqueue(ctx, model.CreateTaskRequest{TaskType: "publish.post"})
	require.NoError(t, err)

	got, err := svc.Cancel(ctx, task.ID, "duplicate post")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.State)
	assert.Equal(t, model.ErrorKindCancelled, got.Error.Kind)

	_, err = svc.Cancel(ctx, task.ID, "")
	assert.ErrorIs(t, err, storage.ErrTaskTerminal)

	_, err = svc.Cancel(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = svc.Cancel(ctx, task.ID, strings.Repeat("x", 501))
	assert.ErrorIs(t, err, tasks.ErrInvalidInput)
}

func TestEvents_EmptySliceAndValidation(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := tasks.New(store, 3, nil, testutil.TestLogger())

	task, err := svc.Enqueue(ctx, model.CreateTaskRequest{TaskType: "publish.post"})
	require.NoError(t, err)

	events, err := svc.Events(ctx, task.ID, 0)
	require.NoError(t, err)
	assert.NotNil(t, events)

	_, err = svc.Events(ctx, task.ID, -1)
	assert.ErrorIs(t, err, tasks.ErrInvalidInput)

	_, err = svc.Events(ctx, uuid.New(), 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
