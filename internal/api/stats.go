package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tanvib/sitepulse/internal/counter"
	"github.com/tanvib/sitepulse/internal/domain"
	"github.com/tanvib/sitepulse/internal/session"
)

// SummarySource looks up the durable summary row for sessions the live
// registry no longer holds. May be nil when no relational store is wired.
type SummarySource interface {
	GetSummary(ctx context.Context, id string) (*domain.Session, error)
}

// StatsHandler serves the pull-based view of the live state, for callers
// that want a one-off snapshot rather than a websocket stream.
type StatsHandler struct {
	counters  *counter.Store
	registry  *session.Registry
	summaries SummarySource
}

func NewStatsHandler(c *counter.Store, reg *session.Registry, summaries SummarySource) *StatsHandler {
	return &StatsHandler{counters: c, registry: reg, summaries: summaries}
}

// Realtime returns the current snapshot for one site.
func (h *StatsHandler) Realtime(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "siteID")
	if siteID == "" {
		respondError(w, http.StatusBadRequest, "site id is required")
		return
	}

	snap, err := h.counters.Snapshot(r.Context(), siteID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build snapshot")
		return
	}

	respondJSON(w, http.StatusOK, snap)
}

// Session returns the live registry entry for one session, falling back to
// the durable summary row for sessions already evicted from memory.
func (h *StatsHandler) Session(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if sess, ok := h.registry.Get(sessionID); ok {
		respondJSON(w, http.StatusOK, sess)
		return
	}

	if h.summaries != nil {
		sess, err := h.summaries.GetSummary(r.Context(), sessionID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		if sess != nil {
			respondJSON(w, http.StatusOK, sess)
			return
		}
	}

	respondError(w, http.StatusNotFound, "session not found")
}
