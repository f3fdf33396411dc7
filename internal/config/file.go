package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the YAML configuration file. Example:
//
//	families:
//	  - task_type: publish.post
//	    timeout: 90s
//	    max_attempts: 5
//	    enqueue_rate: 5
//	    enqueue_burst: 20
//	    http:
//	      url: http://localhost:9000/publish
//	scoring:
//	  reward_threshold: 0.5
//	  metrics:
//	    - {name: engagement, weight: 0.6, normalization: linear, ceiling: 1}
//	    - {name: shares, weight: 0.4, normalization: linear, ceiling: 500}
type File struct {
	Families []FamilyConfig `yaml:"families"`
	Scoring  ScoringConfig  `yaml:"scoring"`
}

// FamilyConfig configures one task family the worker polls.
// Zero values are filled from environment defaults.
type FamilyConfig struct {
	TaskType     string              `yaml:"task_type"`
	PollInterval time.Duration       `yaml:"poll_interval"`
	Timeout      time.Duration       `yaml:"timeout"`
	MaxAttempts  int                 `yaml:"max_attempts"`
	BackoffBase  time.Duration       `yaml:"backoff_base"`
	BackoffCap   time.Duration       `yaml:"backoff_cap"`
	HTTP         *HTTPExecutorConfig `yaml:"http,omitempty"`

	// Per-caller enqueue limit for this task type. Zero uses the
	// KAIROS_ENQUEUE_RATE default.
	EnqueueRate  float64 `yaml:"enqueue_rate"`
	EnqueueBurst int     `yaml:"enqueue_burst"`
}

// HTTPExecutorConfig binds a family to the built-in HTTP executor.
type HTTPExecutorConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// ScoringConfig is the weighting used by the scoring engine.
type ScoringConfig struct {
	RewardThreshold float64        `yaml:"reward_threshold"`
	Metrics         []MetricConfig `yaml:"metrics"`
}

// MetricConfig describes one engagement metric's normalization and weight.
type MetricConfig struct {
	Name          string  `yaml:"name"`
	Weight        float64 `yaml:"weight"`
	Normalization string  `yaml:"normalization"` // "linear" or "log"
	Ceiling       float64 `yaml:"ceiling"`
}

// DefaultScoring is used when the file has no scoring section. Engagement and
// conversion are rates already in [0,1]; velocity is engagements per hour.
// Engagement alone at 0.72 or above reaches the reward threshold.
func DefaultScoring() ScoringConfig {
	return ScoringConfig{
		RewardThreshold: 0.5,
		Metrics: []MetricConfig{
			{Name: "engagement", Weight: 0.7, Normalization: "linear", Ceiling: 1},
			{Name: "velocity", Weight: 0.2, Normalization: "log", Ceiling: 1000},
			{Name: "conversion", Weight: 0.1, Normalization: "linear", Ceiling: 1},
		},
	}
}

// LoadFile reads and strictly decodes a YAML configuration file.
func LoadFile(path string) (File, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return File{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseFile(raw)
}

// ParseFile decodes YAML configuration. Unknown keys are rejected so typos do
// not silently fall back to defaults.
func ParseFile(raw []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	if len(f.Scoring.Metrics) == 0 {
		threshold := f.Scoring.RewardThreshold
		f.Scoring = DefaultScoring()
		if threshold > 0 {
			f.Scoring.RewardThreshold = threshold
		}
	}
	if f.Scoring.RewardThreshold == 0 {
		f.Scoring.RewardThreshold = DefaultScoring().RewardThreshold
	}
	if err := f.validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f File) validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, fam := range f.Families {
		if fam.TaskType == "" {
			errs = append(errs, fmt.Errorf("families[%d]: task_type is required", i))
			continue
		}
		if seen[fam.TaskType] {
			errs = append(errs, fmt.Errorf("families[%d]: duplicate task_type %q", i, fam.TaskType))
		}
		seen[fam.TaskType] = true
		if fam.HTTP != nil && fam.HTTP.URL == "" {
			errs = append(errs, fmt.Errorf("families[%d]: http.url is required", i))
		}
		if fam.EnqueueRate < 0 || fam.EnqueueBurst < 0 {
			errs = append(errs, fmt.Errorf("families[%d]: enqueue_rate and enqueue_burst must not be negative", i))
		} else if fam.EnqueueRate > 0 && fam.EnqueueBurst == 0 {
			errs = append(errs, fmt.Errorf("families[%d]: enqueue_burst is required with enqueue_rate", i))
		}
	}
	if t := f.Scoring.RewardThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("scoring.reward_threshold must be in [0,1], got %g", t))
	}
	var sum float64
	for i, m := range f.Scoring.Metrics {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("scoring.metrics[%d]: name is required", i))
		}
		sum += m.Weight
	}
	if len(f.Scoring.Metrics) > 0 && math.Abs(sum-1) > 1e-9 {
		errs = append(errs, fmt.Errorf("scoring.metrics: weights sum to %g, want 1", sum))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (f FamilyConfig) withDefaults(d FamilyConfig) FamilyConfig {
	if f.PollInterval <= 0 {
		f.PollInterval = d.PollInterval
	}
	if f.Timeout <= 0 {
		f.Timeout = d.Timeout
	}
	if f.MaxAttempts <= 0 {
		f.MaxAttempts = d.MaxAttempts
	}
	if f.BackoffBase <= 0 {
		f.BackoffBase = d.BackoffBase
	}
	if f.BackoffCap <= 0 {
		f.BackoffCap = d.BackoffCap
	}
	return f
}
