package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/tanvib/sitepulse/internal/domain"
)

// UpsertSummary writes the durable summary row for a session. The registry
// owns live state; these rows exist for reconciliation and reporting, so a
// newer row always replaces an older one.
func (s *PostgresStore) UpsertSummary(ctx context.Context, sess domain.Session) error {
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling session metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, site_id, started_at, last_activity_at, is_active, views, clicks, conversions, total_value, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			last_activity_at = GREATEST(sessions.last_activity_at, EXCLUDED.last_activity_at),
			is_active = EXCLUDED.is_active,
			views = EXCLUDED.views,
			clicks = EXCLUDED.clicks,
			conversions = EXCLUDED.conversions,
			total_value = EXCLUDED.total_value,
			metadata = EXCLUDED.metadata
	`, sess.ID, sess.SiteID, sess.StartedAt, sess.LastActivityAt, sess.IsActive,
		sess.Views, sess.Clicks, sess.Conversions, sess.TotalValue, metadata)
	if err != nil {
		return fmt.Errorf("upserting session summary: %w", err)
	}
	return nil
}

// GetSummary returns a session summary row, or nil when absent.
func (s *PostgresStore) GetSummary(ctx context.Context, id string) (*domain.Session, error) {
	var sess domain.Session
	var metadata []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, site_id, started_at, last_activity_at, is_active, views, clicks, conversions, total_value, metadata
		FROM sessions WHERE id = $1
	`, id).Scan(
		&sess.ID, &sess.SiteID, &sess.StartedAt, &sess.LastActivityAt, &sess.IsActive,
		&sess.Views, &sess.Clicks, &sess.Conversions, &sess.TotalValue, &metadata,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying session summary: %w", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling session metadata: %w", err)
		}
	}
	return &sess, nil
}
