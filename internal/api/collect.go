package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tanvib/sitepulse/internal/domain"
	"github.com/tanvib/sitepulse/internal/enrich"
	"github.com/tanvib/sitepulse/internal/ingest"
	"github.com/tanvib/sitepulse/internal/ratelimit"
)

// CollectHandler is the public ingestion endpoint trackers post batches to.
type CollectHandler struct {
	pipeline *ingest.Pipeline
	limiter  *ratelimit.Limiter
}

func NewCollectHandler(p *ingest.Pipeline, rl *ratelimit.Limiter) *CollectHandler {
	return &CollectHandler{pipeline: p, limiter: rl}
}

func (h *CollectHandler) Collect(w http.ResponseWriter, r *http.Request) {
	var batch ingest.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !h.limiter.Allow(r.Context(), batch.SiteID) {
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	meta := enrich.FromRequest(r)

	result, err := h.pipeline.Process(r.Context(), batch, meta)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, verr.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to process batch")
		return
	}

	respondJSON(w, http.StatusOK, result)
}
