package worker

import (
	"fmt"
	"time"

	"github.com/ashita-ai/kairos/internal/config"
	"github.com/ashita-ai/kairos/internal/model"
)

// Family is the polling configuration for one task type.
type Family struct {
	TaskType     string
	PollInterval time.Duration
	Timeout      time.Duration // Per-execution deadline; must be shorter than the lease.
	Backoff      Backoff
}

// FamilyFromConfig converts a resolved family from the config file.
func FamilyFromConfig(fc config.FamilyConfig) Family {
	return Family{
		TaskType:     fc.TaskType,
		PollInterval: fc.PollInterval,
		Timeout:      fc.Timeout,
		Backoff:      Backoff{Base: fc.BackoffBase, Cap: fc.BackoffCap},
	}
}

func (f Family) validate(lease time.Duration) error {
	if err := model.ValidateTaskType(f.TaskType); err != nil {
		return err
	}
	if f.PollInterval <= 0 {
		return fmt.Errorf("family %q: poll interval must be positive", f.TaskType)
	}
	if f.Timeout <= 0 {
		return fmt.Errorf("family %q: timeout must be positive", f.TaskType)
	}
	if f.Timeout >= lease {
		return fmt.Errorf("family %q: timeout %s must be shorter than the lease %s", f.TaskType, f.Timeout, lease)
	}
	return nil
}
