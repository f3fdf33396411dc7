package model

import (
	"fmt"
	"time"
)

// Slot is a (weekday, hour) bucket in UTC. DayOfWeek follows time.Weekday,
// so 0 is Sunday.
type Slot struct {
	DayOfWeek int `json:"day_of_week"`
	Hour      int `json:"hour"`
}

// SlotOf returns the slot containing t, evaluated in UTC.
func SlotOf(t time.Time) Slot {
	u := t.UTC()
	return Slot{DayOfWeek: int(u.Weekday()), Hour: u.Hour()}
}

// Validate checks the slot coordinates.
func (s Slot) Validate() error {
	if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
		return fmt.Errorf("day_of_week must be in [0,6], got %d", s.DayOfWeek)
	}
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("hour must be in [0,23], got %d", s.Hour)
	}
	return nil
}

func (s Slot) String() string {
	return fmt.Sprintf("%s %02d:00", time.Weekday(s.DayOfWeek), s.Hour)
}

// TimingSlot is the persisted Beta posterior for one slot in one context.
type TimingSlot struct {
	Context       string    `json:"context"`
	Slot          Slot      `json:"slot"`
	Alpha         float64   `json:"alpha"`
	Beta          float64   `json:"beta"`
	Observations  int64     `json:"observations"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// UniformPrior is the posterior of a slot with no observations.
func UniformPrior(context string, slot Slot) TimingSlot {
	return TimingSlot{Context: context, Slot: slot, Alpha: 1, Beta: 1}
}

// Mean is the expected success rate under the posterior.
func (t TimingSlot) Mean() float64 {
	return t.Alpha / (t.Alpha + t.Beta)
}
