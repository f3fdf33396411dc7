package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ashita-ai/kairos/internal/model"
	"github.com/ashita-ai/kairos/internal/timing"
)

const (
	maxContextLen       = 255
	maxHorizonHours     = 7 * 24
	defaultHorizonHours = 7 * 24
)

func validateTimingContext(c string) error {
	if c == "" {
		return fmt.Errorf("context is required")
	}
	if len(c) > maxContextLen {
		return fmt.Errorf("context must be at most %d characters", maxContextLen)
	}
	return nil
}

// HandleSampleTiming handles POST /v1/timing/sample. Candidates are either
// listed explicitly or derived from the hours ahead of now.
func (h *Handlers) HandleSampleTiming(w http.ResponseWriter, r *http.Request) {
	var req model.SampleTimingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := validateTimingContext(req.Context); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if (len(req.Candidates) == 0) == (req.HorizonHours == 0) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"exactly one of candidates or horizon_hours is required")
		return
	}

	now, err := h.db.Now(r.Context())
	if err != nil {
		h.writeStoreError(w, r, "failed to read store clock", err)
		return
	}

	candidates := req.Candidates
	if req.HorizonHours != 0 {
		if req.HorizonHours < 1 || req.HorizonHours > maxHorizonHours {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("horizon_hours must be between 1 and %d", maxHorizonHours))
			return
		}
		candidates = timing.CandidateSlots(now, time.Duration(req.HorizonHours)*time.Hour)
	}
	if len(candidates) > maxHorizonHours {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("at most %d candidates are allowed", maxHorizonHours))
		return
	}
	for _, c := range candidates {
		if err := c.Validate(); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	slot, err := h.bandit.SampleSlot(r.Context(), req.Context, candidates)
	if err != nil {
		h.writeStoreError(w, r, "failed to sample slot", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.SampleTimingResponse{
		Context:  req.Context,
		Slot:     slot,
		RunAfter: timing.NextOccurrence(slot, now),
	})
}

// HandleTimingReward handles POST /v1/timing/reward.
func (h *Handlers) HandleTimingReward(w http.ResponseWriter, r *http.Request) {
	var req model.TimingRewardRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := validateTimingContext(req.Context); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := req.Slot.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	ts, err := h.bandit.UpdateReward(r.Context(), req.Context, req.Slot, req.Success)
	if err != nil {
		h.writeStoreError(w, r, "failed to record reward", err)
		return
	}
	writeJSON(w, r, http.StatusOK, ts)
}

// HandleScheduleTask handles POST /v1/timing/schedule: sample a slot within
// the horizon and enqueue the task to run at its next occurrence.
func (h *Handlers) HandleScheduleTask(w http.ResponseWriter, r *http.Request) {
	var req model.ScheduleTaskRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := validateTimingContext(req.Context); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.HorizonHours == 0 {
		req.HorizonHours = defaultHorizonHours
	}
	if req.HorizonHours < 1 || req.HorizonHours > maxHorizonHours {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("horizon_hours must be between 1 and %d", maxHorizonHours))
		return
	}
	if err := model.ValidateTaskType(req.TaskType); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	out, err := h.scheduler.SchedulePublish(r.Context(), timing.PublishRequest{
		Context:     req.Context,
		TaskType:    req.TaskType,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
		Horizon:     time.Duration(req.HorizonHours) * time.Hour,
	})
	if err != nil {
		h.writeStoreError(w, r, "failed to schedule task", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.ScheduleTaskResponse{Task: out.Task, Slot: out.Slot})
}

// HandleTimingSlots handles GET /v1/timing/{context}.
func (h *Handlers) HandleTimingSlots(w http.ResponseWriter, r *http.Request) {
	timingContext := r.PathValue("context")
	if err := validateTimingContext(timingContext); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	slots, err := h.db.ListTimingSlots(r.Context(), timingContext)
	if err != nil {
		h.writeStoreError(w, r, "failed to list timing slots", err)
		return
	}
	if slots == nil {
		slots = []model.TimingSlot{}
	}
	writeJSON(w, r, http.StatusOK, slots)
}
