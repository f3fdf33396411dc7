package scoring

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/ashita-ai/kairos/internal/config"
)

// ErrInvalidWeights is returned for a weighting that cannot produce a
// composite in [0, 1].
var ErrInvalidWeights = errors.New("scoring: invalid weights")

// ErrUnknownMetric is returned when a snapshot carries a metric the weighting
// does not define. Such a metric could never move the composite.
var ErrUnknownMetric = errors.New("scoring: unknown metric")

// weightTolerance absorbs float rounding in configured weights.
const weightTolerance = 1e-9

// Normalization maps a raw metric value into [0, 1].
type Normalization string

const (
	// NormLinear is v/ceiling, clamped.
	NormLinear Normalization = "linear"
	// NormLog is log1p(v)/log1p(ceiling), clamped. Suits heavy-tailed counts.
	NormLog Normalization = "log"
)

// MetricSpec is one weighted component of the composite score.
type MetricSpec struct {
	Name          string
	Weight        float64
	Normalization Normalization
	Ceiling       float64
}

// Normalize maps v into [0, 1]. Negative values normalize to 0.
func (m MetricSpec) Normalize(v float64) float64 {
	if v <= 0 || m.Ceiling <= 0 || math.IsNaN(v) {
		return 0
	}
	var n float64
	switch m.Normalization {
	case NormLog:
		n = math.Log1p(v) / math.Log1p(m.Ceiling)
	default:
		n = v / m.Ceiling
	}
	return clamp01(n)
}

// Weights is the ordered list of components. Order fixes the summation
// order, which keeps composites bit-for-bit reproducible.
type Weights []MetricSpec

// Validate requires non-negative weights summing to 1, positive ceilings,
// known normalizations, and unique names.
func (w Weights) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("%w: no metrics configured", ErrInvalidWeights)
	}
	seen := make(map[string]bool, len(w))
	sum := 0.0
	for _, m := range w {
		switch {
		case m.Name == "":
			return fmt.Errorf("%w: metric name is required", ErrInvalidWeights)
		case seen[m.Name]:
			return fmt.Errorf("%w: duplicate metric %q", ErrInvalidWeights, m.Name)
		case m.Weight < 0 || math.IsNaN(m.Weight):
			return fmt.Errorf("%w: metric %q has negative weight %g", ErrInvalidWeights, m.Name, m.Weight)
		case m.Ceiling <= 0:
			return fmt.Errorf("%w: metric %q needs a positive ceiling", ErrInvalidWeights, m.Name)
		case m.Normalization != NormLinear && m.Normalization != NormLog:
			return fmt.Errorf("%w: metric %q has unknown normalization %q", ErrInvalidWeights, m.Name, m.Normalization)
		}
		seen[m.Name] = true
		sum += m.Weight
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %g, want 1", ErrInvalidWeights, sum)
	}
	return nil
}

// Compute normalizes each configured metric and returns the per-metric
// components and the weighted composite. Metrics missing from raw count as 0.
// Callers reject names outside w with Unknown first.
func (w Weights) Compute(raw map[string]float64) (components map[string]float64, composite float64) {
	components = make(map[string]float64, len(w))
	for _, m := range w {
		c := m.Normalize(raw[m.Name])
		components[m.Name] = c
		composite += m.Weight * c
	}
	return components, clamp01(composite)
}

// Unknown returns the sorted names in raw that w does not define.
func (w Weights) Unknown(raw map[string]float64) []string {
	var out []string
	for name := range raw {
		if !slices.ContainsFunc(w, func(m MetricSpec) bool { return m.Name == name }) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Names returns the configured metric names in weighting order.
func (w Weights) Names() []string {
	out := make([]string, len(w))
	for i, m := range w {
		out[i] = m.Name
	}
	return out
}

// Map returns the weights keyed by metric name, as stored with each score.
func (w Weights) Map() map[string]float64 {
	out := make(map[string]float64, len(w))
	for _, m := range w {
		out[m.Name] = m.Weight
	}
	return out
}

// WeightsFromConfig converts and validates the configured scoring metrics.
func WeightsFromConfig(cfg config.ScoringConfig) (Weights, error) {
	w := make(Weights, 0, len(cfg.Metrics))
	for _, m := range cfg.Metrics {
		w = append(w, MetricSpec{
			Name:          m.Name,
			Weight:        m.Weight,
			Normalization: Normalization(m.Normalization),
			Ceiling:       m.Ceiling,
		})
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
