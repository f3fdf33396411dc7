package scoring_test

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kairos/internal/config"
	"github.com/ashita-ai/kairos/internal/model"
	"github.com/ashita-ai/kairos/internal/scoring"
	"github.com/ashita-ai/kairos/internal/testutil"
)

type memScores struct {
	mu      sync.Mutex
	scores  map[string]model.OutcomeScore
	rewards map[string]bool
	clock   time.Time
}

func newMemScores() *memScores {
	return &memScores{
		scores:  make(map[string]model.OutcomeScore),
		rewards: make(map[string]bool),
		clock:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *memScores) UpsertScore(_ context.Context, s model.OutcomeScore) (model.OutcomeScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = m.clock.Add(time.Second)
	if prev, ok := m.scores[s.ContentID]; ok {
		s.CreatedAt = prev.CreatedAt
		s.RewardedAt = prev.RewardedAt
	} else {
		s.CreatedAt = m.clock
	}
	s.UpdatedAt = m.clock
	m.scores[s.ContentID] = s
	return s, nil
}

func (m *memScores) SelectWinners(_ context.Context, threshold float64, _ int) ([]model.OutcomeScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OutcomeScore
	for _, s := range m.scores {
		if s.Composite >= threshold {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Composite > out[j].Composite })
	return out, nil
}

func (m *memScores) ListUnrewarded(_ context.Context, _ int) ([]model.OutcomeScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OutcomeScore
	for _, s := range m.scores {
		if s.RewardedAt == nil && s.Context != nil && s.PublishedAt != nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentID < out[j].ContentID })
	return out, nil
}

func (m *memScores) ApplyReward(_ context.Context, contentID string, success bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scores[contentID]
	if !ok || s.RewardedAt != nil {
		return false, nil
	}
	now := m.clock
	s.RewardedAt = &now
	m.scores[contentID] = s
	m.rewards[contentID] = success
	return true, nil
}

func defaultWeights(t *testing.T) scoring.Weights {
	t.Helper()
	w, err := scoring.WeightsFromConfig(config.DefaultScoring())
	require.NoError(t, err)
	return w
}

func newEngine(t *testing.T, store scoring.Store) *scoring.Engine {
	t.Helper()
	e, err := scoring.NewEngine(store, defaultWeights(t), 0.5, testutil.TestLogger())
	require.NoError(t, err)
	return e
}

func TestNormalize(t *testing.T) {
	lin := scoring.MetricSpec{Name: "shares", Weight: 1, Normalization: scoring.NormLinear, Ceiling: 100}
	assert.Equal(t, 0.0, lin.Normalize(0))
	assert.Equal(t, 0.0, lin.Normalize(-5))
	assert.InDelta(t, 0.25, lin.Normalize(25), 1e-12)
	assert.Equal(t, 1.0, lin.Normalize(100))
	assert.Equal(t, 1.0, lin.Normalize(5000), "clamped at the ceiling")

	lg := scoring.MetricSpec{Name: "impressions", Weight: 1, Normalization: scoring.NormLog, Ceiling: 100000}
	assert.InDelta(t, math.Log1p(1000)/math.Log1p(100000), lg.Normalize(1000), 1e-12)
	assert.Equal(t, 1.0, lg.Normalize(1e9))
	assert.Equal(t, 0.0, lg.Normalize(math.NaN()))
}

func TestWeightsValidate(t *testing.T) {
	valid := func() scoring.Weights {
		return scoring.Weights{
			{Name: "likes", Weight: 0.6, Normalization: scoring.NormLog, Ceiling: 100},
			{Name: "shares", Weight: 0.4, Normalization: scoring.NormLinear, Ceiling: 10},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(scoring.Weights) scoring.Weights
	}{
		{"sum below one", func(w scoring.Weights) scoring.Weights { w[0].Weight = 0.5; return w }},
		{"sum above one", func(w scoring.Weights) scoring.Weights { w[0].Weight = 0.7; return w }},
		{"negative weight", func(w scoring.Weights) scoring.Weights { w[0].Weight = 1.4; w[1].Weight = -0.4; return w }},
		{"zero ceiling", func(w scoring.Weights) scoring.Weights { w[1].Ceiling = 0; return w }},
		{"unknown normalization", func(w scoring.Weights) scoring.Weights { w[1].Normalization = "sqrt"; return w }},
		{"duplicate name", func(w scoring.Weights) scoring.Weights { w[1].Name = "likes"; return w }},
		{"empty", func(scoring.Weights) scoring.Weights { return nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.mutate(valid()).Validate(), scoring.ErrInvalidWeights)
		})
	}

	rounding := scoring.Weights{
		{Name: "a", Weight: 0.1, Normalization: scoring.NormLinear, Ceiling: 1},
		{Name: "b", Weight: 0.2, Normalization: scoring.NormLinear, Ceiling: 1},
		{Name: "c", Weight: 0.7, Normalization: scoring.NormLinear, Ceiling: 1},
	}
	assert.NoError(t, rounding.Validate(), "float rounding within tolerance is accepted")
}

func TestNewEngine_RejectsInvalidConfig(t *testing.T) {
	_, err := scoring.NewEngine(newMemScores(), scoring.Weights{{Name: "x", Weight: 0.5, Normalization: scoring.NormLinear, Ceiling: 1}}, 0.5, nil)
	assert.ErrorIs(t, err, scoring.ErrInvalidWeights)

	_, err = scoring.NewEngine(newMemScores(), defaultWeights(t), 1.5, nil)
	assert.Error(t, err)
}

func TestScore_Deterministic(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newMemScores())
	metrics := map[string]float64{"engagement": 0.37, "velocity": 41, "conversion": 0.02}

	first, err := e.Score(ctx, model.MetricsRecord{ContentID: "c-1", Metrics: metrics})
	require.NoError(t, err)
	for range 20 {
		again, err := e.Score(ctx, model.MetricsRecord{ContentID: "c-1", Metrics: metrics})
		require.NoError(t, err)
		assert.Equal(t, first.Composite, again.Composite)
		assert.Equal(t, first.Components, again.Components)
		assert.Equal(t, first.CreatedAt, again.CreatedAt, "created_at survives recompute")
	}

	assert.GreaterOrEqual(t, first.Composite, 0.0)
	assert.LessOrEqual(t, first.Composite, 1.0)
	assert.Equal(t, 0.7, first.Weights["engagement"])
}

func TestScore_MissingMetricsCountAsZero(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newMemScores())

	s, err := e.Score(ctx, model.MetricsRecord{ContentID: "c-2", Metrics: map[string]float64{"engagement": 0.5}})
	require.NoError(t, err)
	assert.InDelta(t, 0.35, s.Composite, 1e-12)
	assert.Equal(t, 0.0, s.Components["velocity"])
	assert.Equal(t, 0.0, s.Components["conversion"])

	maxed, err := e.Score(ctx, model.MetricsRecord{ContentID: "c-3", Metrics: map[string]float64{
		"engagement": 5, "velocity": 1e7, "conversion": 5,
	}})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, maxed.Composite, 1e-9)
	assert.LessOrEqual(t, maxed.Composite, 1.0)
}

func TestScore_EngagementAloneCanWin(t *testing.T) {
	e := newEngine(t, newMemScores())
	s, err := e.Score(context.Background(), model.MetricsRecord{ContentID: "c1", Metrics: map[string]float64{"engagement": 0.8}})
	require.NoError(t, err)
	assert.InDelta(t, 0.56, s.Composite, 1e-12)
	assert.GreaterOrEqual(t, s.Composite, e.RewardThreshold())
}

func TestScore_RejectsUnknownMetrics(t *testing.T) {
	store := newMemScores()
	e := newEngine(t, store)
	_, err := e.Score(context.Background(), model.MetricsRecord{ContentID: "c-4", Metrics: map[string]float64{
		"engagement": 0.9, "shares": 100, "clicks": 3,
	}})
	require.ErrorIs(t, err, scoring.ErrUnknownMetric)
	assert.Contains(t, err.Error(), "clicks, shares")
	assert.Contains(t, err.Error(), "engagement, velocity, conversion")
	assert.Empty(t, store.scores, "nothing is stored for a rejected snapshot")
}

func TestWeightsUnknown(t *testing.T) {
	w := defaultWeights(t)
	assert.Empty(t, w.Unknown(map[string]float64{"engagement": 1, "velocity": 2}))
	assert.Equal(t, []string{"a", "z"}, w.Unknown(map[string]float64{"z": 1, "engagement": 1, "a": 1}))
}

func TestScore_ValidatesInput(t *testing.T) {
	e := newEngine(t, newMemScores())
	_, err := e.Score(context.Background(), model.MetricsRecord{Metrics: map[string]float64{"engagement": 1}})
	assert.Error(t, err)
	_, err = e.Score(context.Background(), model.MetricsRecord{ContentID: "c", Metrics: map[string]float64{"engagement": -1}})
	assert.Error(t, err)
}

func TestApplyRewards_BinaryThreshold(t *testing.T) {
	ctx := context.Background()
	store := newMemScores()
	e := newEngine(t, store)
	published := time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC)

	_, err := e.Score(ctx, model.MetricsRecord{ContentID: "hit", Context: "twitter", PublishedAt: &published,
		Metrics: map[string]float64{"engagement": 0.9, "velocity": 800, "conversion": 0.3}})
	require.NoError(t, err)
	_, err = e.Score(ctx, model.MetricsRecord{ContentID: "miss", Context: "twitter", PublishedAt: &published,
		Metrics: map[string]float64{"velocity": 10}})
	require.NoError(t, err)
	_, err = e.Score(ctx, model.MetricsRecord{ContentID: "no-context", Metrics: map[string]float64{"engagement": 0.1}})
	require.NoError(t, err)

	sum, err := e.ApplyRewards(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, scoring.RewardSummary{Applied: 2, Successes: 1}, sum)
	assert.True(t, store.rewards["hit"])
	assert.False(t, store.rewards["miss"])
	assert.NotContains(t, store.rewards, "no-context")

	sum, err = e.ApplyRewards(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, sum.Applied, "rewards are applied at most once")

	// Rescoring after the reward does not re-arm it.
	_, err = e.Score(ctx, model.MetricsRecord{ContentID: "miss", Context: "twitter", PublishedAt: &published,
		Metrics: map[string]float64{"engagement": 1, "velocity": 1000}})
	require.NoError(t, err)
	sum, err = e.ApplyRewards(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, sum.Applied)
}

func TestSelectWinners_ValidatesThreshold(t *testing.T) {
	e := newEngine(t, newMemScores())
	_, err := e.SelectWinners(context.Background(), -0.1, 10)
	assert.Error(t, err)
	_, err = e.SelectWinners(context.Background(), 0.3, 10)
	assert.NoError(t, err)
}

func TestScoreTaskResult(t *testing.T) {
	ctx := context.Background()
	store := newMemScores()
	e := newEngine(t, store)
	published := time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC)
	result, err := json.Marshal(scoring.PublishResult{
		ContentID:   "post-9",
		Context:     "linkedin",
		PublishedAt: &published,
		Metrics:     map[string]float64{"engagement": 0.3},
	})
	require.NoError(t, err)

	task := model.Task{ID: uuid.New(), State: model.TaskSucceeded, Result: result}
	s, err := e.ScoreTaskResult(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, "post-9", s.ContentID)
	require.NotNil(t, s.TaskID)
	assert.Equal(t, task.ID, *s.TaskID)
	require.NotNil(t, s.Context)
	assert.Equal(t, "linkedin", *s.Context)
	assert.Greater(t, s.Composite, 0.0)

	_, err = e.ScoreTaskResult(ctx, model.Task{ID: uuid.New(), State: model.TaskFailed, Result: result})
	assert.Error(t, err)
	_, err = e.ScoreTaskResult(ctx, model.Task{ID: uuid.New(), State: model.TaskSucceeded, Result: json.RawMessage(`[]`)})
	assert.Error(t, err)
}

func TestScoreTaskResult_FallsBackToPayloadAndTask(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newMemScores())
	completed := time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC)

	task := model.Task{
		ID:          uuid.New(),
		TaskType:    "publish",
		State:       model.TaskSucceeded,
		Payload:     json.RawMessage(`{"contentId":"c1"}`),
		Result:      json.RawMessage(`{"metrics":{"engagement":0.8}}`),
		CompletedAt: &completed,
	}
	s, err := e.ScoreTaskResult(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, "c1", s.ContentID)
	require.NotNil(t, s.Context)
	assert.Equal(t, "publish", *s.Context, "context defaults to the task type")
	require.NotNil(t, s.PublishedAt)
	assert.True(t, s.PublishedAt.Equal(completed))
	assert.InDelta(t, 0.56, s.Composite, 1e-12)

	task.ID = uuid.New()
	task.Payload = json.RawMessage(`{"content_id":"c2","context":"newsletter"}`)
	s, err = e.ScoreTaskResult(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, "c2", s.ContentID)
	assert.Equal(t, "newsletter", *s.Context)

	task.Payload = json.RawMessage(`"not an object"`)
	_, err = e.ScoreTaskResult(ctx, task)
	assert.Error(t, err, "no content id anywhere")
}
