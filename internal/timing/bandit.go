// Package timing decides when content should be published. Each
// (context, weekday, hour) slot carries a Beta posterior over its success
// rate; Thompson sampling picks among candidate slots and binary rewards
// update the winner's posterior.
package timing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ashita-ai/kairos/internal/model"
)

// ErrNoCandidates is returned when sampling is asked to choose from nothing.
var ErrNoCandidates = errors.New("timing: no candidate slots")

// SlotStore persists slot posteriors.
type SlotStore interface {
	SlotPosteriors(ctx context.Context, timingContext string, slots []model.Slot) (map[model.Slot]model.TimingSlot, error)
	IncrementSlot(ctx context.Context, timingContext string, slot model.Slot, success bool) (model.TimingSlot, error)
}

// Bandit is a Thompson-sampling optimizer over time slots. It keeps no
// state of its own; every decision reads the posteriors fresh from the store.
type Bandit struct {
	store  SlotStore
	logger *slog.Logger

	mu  sync.Mutex
	src rand.Source
	// draw samples Beta(alpha, beta). Replaced in tests.
	draw func(alpha, beta float64) float64
}

// Option configures a Bandit.
type Option func(*Bandit)

// WithSource fixes the random source, for reproducible sampling.
func WithSource(src rand.Source) Option {
	return func(b *Bandit) { b.src = src }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bandit) { b.logger = logger }
}

// NewBandit creates a Bandit backed by store.
func NewBandit(store SlotStore, opts ...Option) *Bandit {
	now := uint64(time.Now().UnixNano())
	b := &Bandit{
		store:  store,
		logger: slog.Default(),
		src:    rand.NewPCG(now, now>>1|1),
	}
	for _, o := range opts {
		o(b)
	}
	b.draw = func(alpha, beta float64) float64 {
		return distuv.Beta{Alpha: alpha, Beta: beta, Src: b.src}.Rand()
	}
	return b
}

// SampleSlot draws once from each candidate's posterior and returns the
// candidate with the highest draw. Ties go to the earlier candidate, and
// slots never observed sample from Beta(1,1).
func (b *Bandit) SampleSlot(ctx context.Context, timingContext string, candidates []model.Slot) (model.Slot, error) {
	if len(candidates) == 0 {
		return model.Slot{}, ErrNoCandidates
	}
	if timingContext == "" {
		return model.Slot{}, fmt.Errorf("timing: context is required")
	}
	for _, c := range candidates {
		if err := c.Validate(); err != nil {
			return model.Slot{}, fmt.Errorf("timing: candidate: %w", err)
		}
	}

	posteriors, err := b.store.SlotPosteriors(ctx, timingContext, candidates)
	if err != nil {
		return model.Slot{}, fmt.Errorf("timing: load posteriors: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	best, bestDraw := candidates[0], -1.0
	for _, c := range candidates {
		p, ok := posteriors[c]
		if !ok {
			p = model.UniformPrior(timingContext, c)
		}
		if d := b.draw(p.Alpha, p.Beta); d > bestDraw {
			best, bestDraw = c, d
		}
	}
	b.logger.Debug("timing: sampled slot", "context", timingContext, "slot", best.String(), "draw", bestDraw, "candidates", len(candidates))
	return best, nil
}

// UpdateReward records a binary outcome for slot: success increments alpha,
// failure increments beta.
func (b *Bandit) UpdateReward(ctx context.Context, timingContext string, slot model.Slot, success bool) (model.TimingSlot, error) {
	if timingContext == "" {
		return model.TimingSlot{}, fmt.Errorf("timing: context is required")
	}
	if err := slot.Validate(); err != nil {
		return model.TimingSlot{}, fmt.Errorf("timing: %w", err)
	}
	ts, err := b.store.IncrementSlot(ctx, timingContext, slot, success)
	if err != nil {
		return model.TimingSlot{}, fmt.Errorf("timing: update reward: %w", err)
	}
	return ts, nil
}
