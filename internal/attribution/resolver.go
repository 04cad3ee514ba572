// Package attribution links conversion events to the active experiment
// variant credited for them. Attribution is strictly additive: a conversion
// with no matching experiment is still a perfectly good conversion.
package attribution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tanvib/sitepulse/internal/domain"
)

// ExperimentStore is the durable-store surface the resolver needs.
type ExperimentStore interface {
	// ActiveExperiments returns the experiments for a site whose active
	// window contains the given instant.
	ActiveExperiments(ctx context.Context, siteID string, at time.Time) ([]domain.Experiment, error)
	// InsertAttribution records an attribution. Returns false when one
	// already exists for the same (experiment, session, goal).
	InsertAttribution(ctx context.Context, a domain.Attribution) (bool, error)
}

// Resolver matches conversions against active experiments.
type Resolver struct {
	store  ExperimentStore
	logger *slog.Logger
}

func NewResolver(store ExperimentStore, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve inspects a conversion event and, when exactly one active
// experiment matches its goal and variant tag, records an attribution.
// Returns the attribution written, or nil when none applies — an
// attribution miss is not an error.
func (r *Resolver) Resolve(ctx context.Context, e domain.Event) (*domain.Attribution, error) {
	if e.Kind != domain.KindConversion || e.Conversion == nil || e.Conversion.Variant == "" {
		return nil, nil
	}

	experiments, err := r.store.ActiveExperiments(ctx, e.SiteID, e.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("loading active experiments: %w", err)
	}

	var match *domain.Experiment
	for i := range experiments {
		if experiments[i].Matches(e.Conversion.Goal, e.Conversion.Variant, e.Timestamp) {
			if match != nil {
				// Ambiguous: more than one experiment claims this
				// conversion, credit neither.
				r.logger.Warn("ambiguous experiment match, skipping attribution",
					"site_id", e.SiteID,
					"goal", e.Conversion.Goal,
					"variant", e.Conversion.Variant,
				)
				return nil, nil
			}
			match = &experiments[i]
		}
	}
	if match == nil {
		return nil, nil
	}

	attr := domain.Attribution{
		ID:           uuid.New().String(),
		ExperimentID: match.ID,
		SiteID:       e.SiteID,
		SessionID:    e.SessionID,
		EventID:      e.ID,
		Goal:         e.Conversion.Goal,
		Variant:      e.Conversion.Variant,
		Value:        e.Conversion.Value,
		CreatedAt:    time.Now(),
	}

	inserted, err := r.store.InsertAttribution(ctx, attr)
	if err != nil {
		return nil, fmt.Errorf("recording attribution: %w", err)
	}
	if !inserted {
		// Already attributed for this (experiment, session, goal).
		return nil, nil
	}

	r.logger.Info("conversion attributed",
		"experiment_id", match.ID,
		"session_id", e.SessionID,
		"goal", attr.Goal,
		"variant", attr.Variant,
	)
	return &attr, nil
}
