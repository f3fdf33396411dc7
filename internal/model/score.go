package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MetricsRecord is a raw engagement snapshot for one piece of published content.
type MetricsRecord struct {
	ContentID   string             `json:"content_id"`
	TaskID      *uuid.UUID         `json:"task_id,omitempty"`
	Context     string             `json:"context,omitempty"`
	PublishedAt *time.Time         `json:"published_at,omitempty"`
	Metrics     map[string]float64 `json:"metrics"`
}

// Validate checks the fields the scoring engine depends on.
func (m MetricsRecord) Validate() error {
	if m.ContentID == "" {
		return fmt.Errorf("content_id is required")
	}
	if len(m.ContentID) > 255 {
		return fmt.Errorf("content_id must be at most 255 characters")
	}
	for name, v := range m.Metrics {
		if v < 0 {
			return fmt.Errorf("metric %q must be non-negative, got %g", name, v)
		}
	}
	return nil
}

// OutcomeScore is the normalized, weighted score of one piece of content.
// CreatedAt is set on first scoring and preserved across recomputes.
type OutcomeScore struct {
	ContentID   string             `json:"content_id"`
	TaskID      *uuid.UUID         `json:"task_id,omitempty"`
	Context     *string            `json:"context,omitempty"`
	PublishedAt *time.Time         `json:"published_at,omitempty"`
	Components  map[string]float64 `json:"components"`
	Weights     map[string]float64 `json:"weights"`
	Composite   float64            `json:"composite"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	RewardedAt  *time.Time         `json:"rewarded_at,omitempty"`
}
