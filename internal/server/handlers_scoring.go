package server

import (
	"net/http"

	"github.com/ashita-ai/kairos/internal/model"
)

// HandleIngestMetrics handles POST /v1/metrics. The score is recomputed from
// the snapshot on every call; the reward loop picks it up once the content
// has a context and publish time.
func (h *Handlers) HandleIngestMetrics(w http.ResponseWriter, r *http.Request) {
	var rec model.MetricsRecord
	if err := decodeJSON(w, r, &rec, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := rec.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	score, err := h.engine.Score(r.Context(), rec)
	if err != nil {
		h.writeStoreError(w, r, "failed to score metrics", err)
		return
	}
	writeJSON(w, r, http.StatusOK, score)
}

// HandleGetScore handles GET /v1/scores/{content_id}.
func (h *Handlers) HandleGetScore(w http.ResponseWriter, r *http.Request) {
	score, err := h.db.GetScore(r.Context(), r.PathValue("content_id"))
	if err != nil {
		h.writeStoreError(w, r, "failed to get score", err)
		return
	}
	writeJSON(w, r, http.StatusOK, score)
}

// HandleWinners handles GET /v1/winners?threshold=&limit=. The threshold
// defaults to the reward threshold. Without a limit every winner is returned.
func (h *Handlers) HandleWinners(w http.ResponseWriter, r *http.Request) {
	threshold, err := queryFloat(r, "threshold", h.engine.RewardThreshold())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if threshold < 0 || threshold > 1 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "threshold must be in [0,1]")
		return
	}

	limit := 0
	if r.URL.Query().Has("limit") {
		limit = queryLimit(r, maxQueryLimit)
	}
	winners, err := h.engine.SelectWinners(r.Context(), threshold, limit)
	if err != nil {
		h.writeStoreError(w, r, "failed to select winners", err)
		return
	}
	if winners == nil {
		winners = []model.OutcomeScore{}
	}
	writeJSON(w, r, http.StatusOK, winners)
}
