// Package scoring turns raw engagement metrics into composite outcome scores,
// selects winners, and feeds binary rewards back to the timing optimizer.
package scoring

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kairos/internal/model"
	"github.com/ashita-ai/kairos/internal/telemetry"
)

// Store persists scores and applies rewards.
type Store interface {
	UpsertScore(ctx context.Context, s model.OutcomeScore) (model.OutcomeScore, error)
	SelectWinners(ctx context.Context, threshold float64, limit int) ([]model.OutcomeScore, error)
	ListUnrewarded(ctx context.Context, limit int) ([]model.OutcomeScore, error)
	ApplyReward(ctx context.Context, contentID string, success bool) (bool, error)
}

// Engine scores content and closes the loop to the timing optimizer.
//
// Rewards are binary: content whose composite reaches the reward threshold
// counts as a success for the slot it was published in, anything below as a
// failure.
type Engine struct {
	store     Store
	weights   Weights
	threshold float64
	logger    *slog.Logger
	rewards   metric.Int64Counter
}

// NewEngine validates weights and the reward threshold.
func NewEngine(store Store, weights Weights, rewardThreshold float64, logger *slog.Logger) (*Engine, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if rewardThreshold < 0 || rewardThreshold > 1 {
		return nil, fmt.Errorf("scoring: reward threshold %g outside [0,1]", rewardThreshold)
	}
	if logger == nil {
		logger = slog.Default()
	}
	counter, err := telemetry.Meter("kairos/scoring").Int64Counter("kairos.timing.rewards",
		metric.WithDescription("Binary rewards fed to the timing optimizer"))
	if err != nil {
		logger.Warn("scoring: register reward counter", "error", err)
	}
	return &Engine{store: store, weights: weights, threshold: rewardThreshold, logger: logger, rewards: counter}, nil
}

// RewardThreshold is the composite at or above which content is a success.
func (e *Engine) RewardThreshold() float64 { return e.threshold }

// Score normalizes and weights a metrics snapshot and stores the result.
// Rescoring the same content overwrites its components but keeps its
// original created_at.
func (e *Engine) Score(ctx context.Context, rec model.MetricsRecord) (model.OutcomeScore, error) {
	if err := rec.Validate(); err != nil {
		return model.OutcomeScore{}, fmt.Errorf("scoring: %w", err)
	}
	if unknown := e.weights.Unknown(rec.Metrics); len(unknown) > 0 {
		e.logger.Warn("scoring: rejected unknown metrics", "content_id", rec.ContentID, "unknown", unknown)
		return model.OutcomeScore{}, fmt.Errorf("%w: %s (configured: %s)", ErrUnknownMetric,
			strings.Join(unknown, ", "), strings.Join(e.weights.Names(), ", "))
	}
	components, composite := e.weights.Compute(rec.Metrics)
	s := model.OutcomeScore{
		ContentID:   rec.ContentID,
		TaskID:      rec.TaskID,
		PublishedAt: rec.PublishedAt,
		Components:  components,
		Weights:     e.weights.Map(),
		Composite:   composite,
	}
	if rec.Context != "" {
		c := rec.Context
		s.Context = &c
	}
	out, err := e.store.UpsertScore(ctx, s)
	if err != nil {
		return model.OutcomeScore{}, fmt.Errorf("scoring: %w", err)
	}
	return out, nil
}

// SelectWinners returns content scoring at or above threshold, best first.
// Equal composites are ordered by first-scored time, then content id.
func (e *Engine) SelectWinners(ctx context.Context, threshold float64, limit int) ([]model.OutcomeScore, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("scoring: threshold %g outside [0,1]", threshold)
	}
	winners, err := e.store.SelectWinners(ctx, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("scoring: %w", err)
	}
	return winners, nil
}

// RewardSummary counts what one ApplyRewards pass did.
type RewardSummary struct {
	Applied   int `json:"applied"`
	Successes int `json:"successes"`
	Skipped   int `json:"skipped"` // Already rewarded by a concurrent pass.
}

// ApplyRewards feeds up to limit unrewarded scores to the timing optimizer.
// Each content item is rewarded at most once, even with concurrent callers.
func (e *Engine) ApplyRewards(ctx context.Context, limit int) (RewardSummary, error) {
	var sum RewardSummary
	pending, err := e.store.ListUnrewarded(ctx, limit)
	if err != nil {
		return sum, fmt.Errorf("scoring: %w", err)
	}
	for _, s := range pending {
		success := s.Composite >= e.threshold
		applied, err := e.store.ApplyReward(ctx, s.ContentID, success)
		if err != nil {
			return sum, fmt.Errorf("scoring: apply reward %s: %w", s.ContentID, err)
		}
		if !applied {
			sum.Skipped++
			continue
		}
		sum.Applied++
		if success {
			sum.Successes++
		}
		if e.rewards != nil {
			e.rewards.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
		}
	}
	if sum.Applied > 0 {
		e.logger.Info("scoring: rewards applied", "applied", sum.Applied, "successes", sum.Successes, "skipped", sum.Skipped)
	}
	return sum, nil
}

// Run applies rewards every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration, batch int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.ApplyRewards(ctx, batch); err != nil && ctx.Err() == nil {
				e.logger.Error("scoring: reward pass failed", "error", err)
			}
		}
	}
}

// PublishResult is the result a publish executor reports. Metrics may be
// empty at publish time and arrive later through ingestion.
type PublishResult struct {
	ContentID   string             `json:"content_id"`
	Context     string             `json:"context,omitempty"`
	PublishedAt *time.Time         `json:"published_at,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// publishPayload holds the fields of a publish task's payload that identify
// the content when the executor's result does not.
type publishPayload struct {
	ContentID      string `json:"content_id"`
	ContentIDCamel string `json:"contentId"`
	Context        string `json:"context"`
}

// ScoreTaskResult scores the result of a succeeded publish task, linking the
// score back to the task. Fields missing from the result fall back to the
// payload: content id from content_id or contentId, context from context and
// then the task type. The publish time falls back to the task's completion.
func (e *Engine) ScoreTaskResult(ctx context.Context, task model.Task) (model.OutcomeScore, error) {
	if task.State != model.TaskSucceeded {
		return model.OutcomeScore{}, fmt.Errorf("scoring: task %s is %s, not succeeded", task.ID, task.State)
	}
	var res PublishResult
	if err := json.Unmarshal(task.Result, &res); err != nil {
		return model.OutcomeScore{}, fmt.Errorf("scoring: decode task result: %w", err)
	}
	var payload publishPayload
	if len(task.Payload) > 0 {
		// A non-object payload simply provides no fallbacks.
		_ = json.Unmarshal(task.Payload, &payload)
	}

	contentID := cmp.Or(res.ContentID, payload.ContentID, payload.ContentIDCamel)
	timingContext := cmp.Or(res.Context, payload.Context, task.TaskType)
	publishedAt := res.PublishedAt
	if publishedAt == nil {
		publishedAt = task.CompletedAt
	}

	id := task.ID
	return e.Score(ctx, model.MetricsRecord{
		ContentID:   contentID,
		TaskID:      &id,
		Context:     timingContext,
		PublishedAt: publishedAt,
		Metrics:     res.Metrics,
	})
}
