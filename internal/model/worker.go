package model

import "time"

// WorkerStatus is derived from heartbeat recency at read time and never stored.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
)

// WorkerHeartbeat is the liveness row a worker maintains in the shared store.
type WorkerHeartbeat struct {
	WorkerID       string         `json:"worker_id"`
	LastSeenAt     time.Time      `json:"last_seen_at"`
	TasksCompleted int64          `json:"tasks_completed"`
	SystemInfo     map[string]any `json:"system_info,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	StoppedAt      *time.Time     `json:"stopped_at,omitempty"`
}

// Alive reports whether the worker has beaten within staleAfter of now and
// has not announced a graceful stop.
func (h WorkerHeartbeat) Alive(now time.Time, staleAfter time.Duration) bool {
	if h.StoppedAt != nil {
		return false
	}
	return now.Sub(h.LastSeenAt) < staleAfter
}

// WorkerHealth is one row of the health surface.
type WorkerHealth struct {
	WorkerHeartbeat
	Status WorkerStatus `json:"status"`
}

// NewWorkerHealth computes the status for a heartbeat row.
func NewWorkerHealth(h WorkerHeartbeat, now time.Time, staleAfter time.Duration) WorkerHealth {
	status := WorkerOffline
	if h.Alive(now, staleAfter) {
		status = WorkerOnline
	}
	return WorkerHealth{WorkerHeartbeat: h, Status: status}
}
