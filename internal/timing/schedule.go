package timing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/kairos/internal/model"
)

// slotsPerWeek is the size of the slot space.
const slotsPerWeek = 7 * 24

// CandidateSlots lists the distinct hourly slots whose next occurrence falls
// in [from, from+horizon), in chronological order. The first candidate is
// the hour containing from only when from is exactly on the hour.
func CandidateSlots(from time.Time, horizon time.Duration) []model.Slot {
	if horizon <= 0 {
		return nil
	}
	start := ceilHour(from.UTC())
	end := from.UTC().Add(horizon)
	seen := make(map[model.Slot]bool)
	var slots []model.Slot
	for t := start; t.Before(end) && len(slots) < slotsPerWeek; t = t.Add(time.Hour) {
		s := model.SlotOf(t)
		if seen[s] {
			continue
		}
		seen[s] = true
		slots = append(slots, s)
	}
	return slots
}

// NextOccurrence returns the first top of the hour at or after after that
// falls in slot, in UTC.
func NextOccurrence(slot model.Slot, after time.Time) time.Time {
	t := ceilHour(after.UTC())
	dayDelta := (slot.DayOfWeek - int(t.Weekday()) + 7) % 7
	candidate := time.Date(t.Year(), t.Month(), t.Day()+dayDelta, slot.Hour, 0, 0, 0, time.UTC)
	if candidate.Before(t) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

func ceilHour(t time.Time) time.Time {
	h := t.Truncate(time.Hour)
	if h.Before(t) {
		h = h.Add(time.Hour)
	}
	return h
}

// TaskCreator enqueues tasks. It owns validation and max_attempts defaults.
type TaskCreator interface {
	Enqueue(ctx context.Context, req model.CreateTaskRequest) (model.Task, error)
}

// PublishRequest describes a publish task to schedule at a sampled slot.
type PublishRequest struct {
	Context     string
	TaskType    string
	Payload     json.RawMessage
	MaxAttempts int
	Horizon     time.Duration
}

// Scheduled is the result of SchedulePublish.
type Scheduled struct {
	Task model.Task
	Slot model.Slot
}

// Scheduler turns bandit decisions into delayed tasks.
type Scheduler struct {
	bandit *Bandit
	tasks  TaskCreator
	now    func() time.Time
}

// NewScheduler creates a Scheduler.
func NewScheduler(bandit *Bandit, tasks TaskCreator) *Scheduler {
	return &Scheduler{bandit: bandit, tasks: tasks, now: time.Now}
}

// SchedulePublish samples a slot within the request's horizon and enqueues
// the task with run_after at that slot's next occurrence.
func (s *Scheduler) SchedulePublish(ctx context.Context, req PublishRequest) (Scheduled, error) {
	now := s.now()
	candidates := CandidateSlots(now, req.Horizon)
	slot, err := s.bandit.SampleSlot(ctx, req.Context, candidates)
	if err != nil {
		return Scheduled{}, err
	}
	runAfter := NextOccurrence(slot, now)
	task, err := s.tasks.Enqueue(ctx, model.CreateTaskRequest{
		TaskType:    req.TaskType,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
		RunAfter:    &runAfter,
	})
	if err != nil {
		return Scheduled{}, fmt.Errorf("timing: schedule publish: %w", err)
	}
	return Scheduled{Task: task, Slot: slot}, nil
}
