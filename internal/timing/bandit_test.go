package timing

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kairos/internal/model"
)

type slotKey struct {
	context string
	slot    model.Slot
}

// memSlots keeps posteriors in memory with the same semantics as the
// Postgres store: missing rows read as Beta(1,1).
type memSlots struct {
	mu    sync.Mutex
	slots map[slotKey]model.TimingSlot
	err   error
}

func newMemSlots() *memSlots {
	return &memSlots{slots: make(map[slotKey]model.TimingSlot)}
}

func (m *memSlots) SlotPosteriors(_ context.Context, timingContext string, slots []model.Slot) (map[model.Slot]model.TimingSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[model.Slot]model.TimingSlot, len(slots))
	for _, s := range slots {
		if ts, ok := m.slots[slotKey{timingContext, s}]; ok {
			out[s] = ts
		} else {
			out[s] = model.UniformPrior(timingContext, s)
		}
	}
	return out, nil
}

func (m *memSlots) IncrementSlot(_ context.Context, timingContext string, slot model.Slot, success bool) (model.TimingSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return model.TimingSlot{}, m.err
	}
	k := slotKey{timingContext, slot}
	ts, ok := m.slots[k]
	if !ok {
		ts = model.UniformPrior(timingContext, slot)
	}
	if success {
		ts.Alpha++
	} else {
		ts.Beta++
	}
	ts.Observations++
	ts.LastUpdatedAt = time.Now()
	m.slots[k] = ts
	return ts, nil
}

var (
	slotA = model.Slot{DayOfWeek: 2, Hour: 9}
	slotB = model.Slot{DayOfWeek: 5, Hour: 18}
)

func TestBandit_ConvergesOnBetterSlot(t *testing.T) {
	ctx := context.Background()
	store := newMemSlots()
	b := NewBandit(store, WithSource(rand.NewPCG(42, 7)))
	env := rand.New(rand.NewPCG(1, 2))
	successRate := map[model.Slot]float64{slotA: 0.9, slotB: 0.1}
	candidates := []model.Slot{slotA, slotB}

	for range 500 {
		s, err := b.SampleSlot(ctx, "twitter", candidates)
		require.NoError(t, err)
		_, err = b.UpdateReward(ctx, "twitter", s, env.Float64() < successRate[s])
		require.NoError(t, err)
	}

	picksA := 0
	for range 50 {
		s, err := b.SampleSlot(ctx, "twitter", candidates)
		require.NoError(t, err)
		if s == slotA {
			picksA++
		}
	}
	assert.Greater(t, picksA, 40, "slot A should win more than 80 percent of final samples")

	a := store.slots[slotKey{"twitter", slotA}]
	assert.Greater(t, a.Mean(), 0.8)
}

func TestBandit_ContextsAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := newMemSlots()
	b := NewBandit(store)

	_, err := b.UpdateReward(ctx, "twitter", slotA, true)
	require.NoError(t, err)

	post, err := store.SlotPosteriors(ctx, "linkedin", []model.Slot{slotA})
	require.NoError(t, err)
	assert.Equal(t, 1.0, post[slotA].Alpha)
	assert.Equal(t, 1.0, post[slotA].Beta)
}

func TestBandit_UpdateReward(t *testing.T) {
	ctx := context.Background()
	b := NewBandit(newMemSlots())

	ts, err := b.UpdateReward(ctx, "twitter", slotA, true)
	require.NoError(t, err)
	assert.Equal(t, 2.0, ts.Alpha)
	assert.Equal(t, 1.0, ts.Beta)

	ts, err = b.UpdateReward(ctx, "twitter", slotA, false)
	require.NoError(t, err)
	assert.Equal(t, 2.0, ts.Alpha)
	assert.Equal(t, 2.0, ts.Beta)
	assert.Equal(t, int64(2), ts.Observations)

	_, err = b.UpdateReward(ctx, "twitter", model.Slot{DayOfWeek: 7, Hour: 0}, true)
	assert.Error(t, err)
	_, err = b.UpdateReward(ctx, "", slotA, true)
	assert.Error(t, err)
}

func TestBandit_SampleSlotErrors(t *testing.T) {
	ctx := context.Background()
	store := newMemSlots()
	b := NewBandit(store)

	_, err := b.SampleSlot(ctx, "twitter", nil)
	assert.ErrorIs(t, err, ErrNoCandidates)

	_, err = b.SampleSlot(ctx, "twitter", []model.Slot{{DayOfWeek: 0, Hour: 24}})
	assert.Error(t, err)

	store.err = errors.New("connection refused")
	_, err = b.SampleSlot(ctx, "twitter", []model.Slot{slotA})
	assert.ErrorContains(t, err, "connection refused")
}

func TestBandit_TiesKeepFirstCandidate(t *testing.T) {
	b := NewBandit(newMemSlots())
	b.draw = func(float64, float64) float64 { return 0.5 }

	s, err := b.SampleSlot(context.Background(), "twitter", []model.Slot{slotB, slotA})
	require.NoError(t, err)
	assert.Equal(t, slotB, s)
}

func TestBandit_SingleCandidate(t *testing.T) {
	b := NewBandit(newMemSlots())
	s, err := b.SampleSlot(context.Background(), "twitter", []model.Slot{slotA})
	require.NoError(t, err)
	assert.Equal(t, slotA, s)
}

func TestCandidateSlots(t *testing.T) {
	// Wednesday 2026-03-04 10:30 UTC.
	from := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)

	slots := CandidateSlots(from, 3*time.Hour)
	assert.Equal(t, []model.Slot{
		{DayOfWeek: 3, Hour: 11},
		{DayOfWeek: 3, Hour: 12},
		{DayOfWeek: 3, Hour: 13},
	}, slots)

	onTheHour := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, model.Slot{DayOfWeek: 3, Hour: 10}, CandidateSlots(onTheHour, time.Hour)[0])

	assert.Len(t, CandidateSlots(from, 30*24*time.Hour), 7*24, "slots are distinct")
	assert.Empty(t, CandidateSlots(from, 0))
}

func TestNextOccurrence(t *testing.T) {
	// Wednesday 2026-03-04 10:30 UTC.
	after := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		slot model.Slot
		want time.Time
	}{
		{"later today", model.Slot{DayOfWeek: 3, Hour: 14}, time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC)},
		{"next hour", model.Slot{DayOfWeek: 3, Hour: 11}, time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)},
		{"current hour already started", model.Slot{DayOfWeek: 3, Hour: 10}, time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)},
		{"tomorrow", model.Slot{DayOfWeek: 4, Hour: 8}, time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)},
		{"wraps the week", model.Slot{DayOfWeek: 1, Hour: 9}, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextOccurrence(tt.slot, after)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.slot, model.SlotOf(got))
		})
	}

	exact := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, exact, NextOccurrence(model.Slot{DayOfWeek: 3, Hour: 10}, exact))
}

type recordingCreator struct {
	req model.CreateTaskRequest
}

func (r *recordingCreator) Enqueue(_ context.Context, req model.CreateTaskRequest) (model.Task, error) {
	r.req = req
	return model.Task{TaskType: req.TaskType, RunAfter: *req.RunAfter}, nil
}

func TestScheduler_SchedulePublish(t *testing.T) {
	creator := &recordingCreator{}
	s := NewScheduler(NewBandit(newMemSlots()), creator)
	s.now = func() time.Time { return time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC) }

	out, err := s.SchedulePublish(context.Background(), PublishRequest{
		Context:  "twitter",
		TaskType: "publish.post",
		Payload:  json.RawMessage(`{"draft_id":"d-1"}`),
		Horizon:  6 * time.Hour,
	})
	require.NoError(t, err)

	require.NotNil(t, creator.req.RunAfter)
	runAfter := *creator.req.RunAfter
	assert.Equal(t, out.Slot, model.SlotOf(runAfter))
	assert.False(t, runAfter.Before(s.now()))
	assert.True(t, runAfter.Before(s.now().Add(6*time.Hour)))
	assert.Equal(t, "publish.post", out.Task.TaskType)

	_, err = s.SchedulePublish(context.Background(), PublishRequest{Context: "twitter", TaskType: "publish.post"})
	assert.ErrorIs(t, err, ErrNoCandidates)
}
