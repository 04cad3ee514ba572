package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tanvib/sitepulse/internal/domain"
)

// ActiveExperiments returns the experiments for a site whose active window
// contains the given instant.
func (s *PostgresStore) ActiveExperiments(ctx context.Context, siteID string, at time.Time) ([]domain.Experiment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, site_id, name, goals, variants, starts_at, ends_at, is_active
		FROM experiments
		WHERE site_id = $1 AND is_active = true AND starts_at <= $2 AND ends_at >= $2
	`, siteID, at)
	if err != nil {
		return nil, fmt.Errorf("querying active experiments: %w", err)
	}
	defer rows.Close()

	var experiments []domain.Experiment
	for rows.Next() {
		var x domain.Experiment
		err := rows.Scan(&x.ID, &x.SiteID, &x.Name, &x.Goals, &x.Variants, &x.StartsAt, &x.EndsAt, &x.IsActive)
		if err != nil {
			return nil, fmt.Errorf("scanning experiment: %w", err)
		}
		experiments = append(experiments, x)
	}

	if experiments == nil {
		experiments = []domain.Experiment{}
	}
	return experiments, nil
}

// InsertAttribution records an attribution. The unique index on
// (experiment_id, session_id, goal) enforces the at-most-once rule; a
// duplicate insert reports false with no error.
func (s *PostgresStore) InsertAttribution(ctx context.Context, a domain.Attribution) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		INSERT INTO experiment_attributions (id, experiment_id, site_id, session_id, event_id, goal, variant, value)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (experiment_id, session_id, goal) DO NOTHING
	`, a.ID, a.ExperimentID, a.SiteID, a.SessionID, a.EventID, a.Goal, a.Variant, a.Value)
	if err != nil {
		return false, fmt.Errorf("inserting attribution: %w", err)
	}
	return result.RowsAffected() > 0, nil
}
