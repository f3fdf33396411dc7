package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// CreateTaskRequest is the request body for POST /v1/tasks.
type CreateTaskRequest struct {
	TaskType    string          `json:"task_type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	RunAfter    *time.Time      `json:"run_after,omitempty"`
}

// CreateTaskResponse is returned by the enqueue endpoint.
type CreateTaskResponse struct {
	ID       uuid.UUID `json:"id"`
	RunAfter time.Time `json:"run_after"`
}

// CancelTaskRequest is the optional request body for POST /v1/tasks/{id}/cancel.
type CancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

// SampleTimingRequest is the request body for POST /v1/timing/sample.
// Either Candidates or HorizonHours must be set.
type SampleTimingRequest struct {
	Context      string `json:"context"`
	Candidates   []Slot `json:"candidates,omitempty"`
	HorizonHours int    `json:"horizon_hours,omitempty"`
}

// SampleTimingResponse carries the sampled slot and its next occurrence.
type SampleTimingResponse struct {
	Context  string    `json:"context"`
	Slot     Slot      `json:"slot"`
	RunAfter time.Time `json:"run_after"`
}

// TimingRewardRequest is the request body for POST /v1/timing/reward.
type TimingRewardRequest struct {
	Context string `json:"context"`
	Slot    Slot   `json:"slot"`
	Success bool   `json:"success"`
}

// ScheduleTaskRequest is the request body for POST /v1/timing/schedule.
// HorizonHours defaults to one week.
type ScheduleTaskRequest struct {
	Context      string          `json:"context"`
	TaskType     string          `json:"task_type"`
	Payload      json.RawMessage `json:"payload"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
	HorizonHours int             `json:"horizon_hours,omitempty"`
}

// ScheduleTaskResponse is the enqueued task and the slot it was placed in.
type ScheduleTaskResponse struct {
	Task Task `json:"task"`
	Slot Slot `json:"slot"`
}

// CreateServiceAccountRequest is the request body for POST /v1/service-accounts.
// A key is generated when APIKey is empty.
type CreateServiceAccountRequest struct {
	ServiceID string      `json:"service_id"`
	Role      ServiceRole `json:"role,omitempty"`
	APIKey    string      `json:"api_key,omitempty"`
}

// CreateServiceAccountResponse returns the new account and its plaintext key.
// The key is not retrievable afterwards.
type CreateServiceAccountResponse struct {
	ServiceAccount
	APIKey string `json:"api_key"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	ServiceID string `json:"service_id"`
	APIKey    string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Pending  int64  `json:"pending_tasks"`
	Uptime   int64  `json:"uptime_seconds"`
}
