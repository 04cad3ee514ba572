// Package counter maintains the per-site rolling real-time aggregates in
// Redis: a counter hash whose TTL is refreshed on every write, plus a
// bounded recent-event list (newest first).
//
// Everything here is best-effort. The snapshot is derived, rebuildable
// state; if Redis is unreachable updates are skipped and ingestion carries
// on with a degraded real-time view.
package counter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tanvib/sitepulse/internal/domain"
)

// ActiveCounter is the slice of the session registry the store needs to
// compute activeSessionCount.
type ActiveCounter interface {
	ActiveCount(siteID string, window time.Duration) int
}

// Delta is one batch's coalesced contribution to a site's counters.
type Delta struct {
	Views       int64
	Clicks      int64
	Conversions int64
	Value       float64
	Events      []domain.RingEvent
}

// Empty reports whether the delta would change nothing.
func (d Delta) Empty() bool {
	return d.Views == 0 && d.Clicks == 0 && d.Conversions == 0 && d.Value == 0 && len(d.Events) == 0
}

// Store holds per-site snapshots in Redis.
type Store struct {
	rdb      *redis.Client
	registry ActiveCounter
	logger   *slog.Logger

	ttl      time.Duration
	window   time.Duration
	ringSize int64
}

// NewStore creates a counter store. rdb may be nil, in which case every
// operation is a no-op and snapshots carry only the registry-derived count.
func NewStore(rdb *redis.Client, registry ActiveCounter, logger *slog.Logger, ttl, activeWindow time.Duration) *Store {
	return &Store{
		rdb:      rdb,
		registry: registry,
		logger:   logger,
		ttl:      ttl,
		window:   activeWindow,
		ringSize: domain.RingBufferSize,
	}
}

func counterKey(siteID string) string { return "rt:ctr:" + siteID }
func recentKey(siteID string) string  { return "rt:recent:" + siteID }

// Apply folds one batch's delta into the site's counters and ring buffer.
// The entry TTL is refreshed on every write, so an idle site's snapshot
// simply expires instead of being reset. Failures are logged and swallowed.
func (s *Store) Apply(ctx context.Context, siteID string, d Delta) error {
	if s.rdb == nil || d.Empty() {
		return nil
	}

	pipe := s.rdb.Pipeline()

	ck := counterKey(siteID)
	if d.Views > 0 {
		pipe.HIncrBy(ctx, ck, "views", d.Views)
	}
	if d.Clicks > 0 {
		pipe.HIncrBy(ctx, ck, "clicks", d.Clicks)
	}
	if d.Conversions > 0 {
		pipe.HIncrBy(ctx, ck, "conversions", d.Conversions)
	}
	if d.Value != 0 {
		pipe.HIncrByFloat(ctx, ck, "total_value", d.Value)
	}
	pipe.Expire(ctx, ck, s.ttl)

	if len(d.Events) > 0 {
		rk := recentKey(siteID)
		// Newest first: push in batch order so the last event of the
		// batch ends up at the head of the list.
		for _, e := range d.Events {
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Error("failed to marshal ring event", "error", err, "event_id", e.ID)
				continue
			}
			pipe.LPush(ctx, rk, data)
		}
		pipe.LTrim(ctx, rk, 0, s.ringSize-1)
		pipe.Expire(ctx, rk, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("counter update skipped, real-time view degraded", "error", err, "site_id", siteID)
		return fmt.Errorf("updating counters: %w", domain.ErrUpstreamUnavailable)
	}
	return nil
}

// Snapshot assembles the current rolling aggregate for a site. Redis
// failures yield a snapshot with zeroed counters; the active session count
// always comes from the in-process registry.
func (s *Store) Snapshot(ctx context.Context, siteID string) (*domain.Snapshot, error) {
	snap := &domain.Snapshot{
		SiteID:       siteID,
		RecentEvents: []domain.RingEvent{},
		GeneratedAt:  time.Now(),
	}
	if s.registry != nil {
		snap.ActiveSessions = s.registry.ActiveCount(siteID, s.window)
	}
	if s.rdb == nil {
		return snap, nil
	}

	counters, err := s.rdb.HGetAll(ctx, counterKey(siteID)).Result()
	if err != nil {
		s.logger.Warn("snapshot counters unavailable", "error", err, "site_id", siteID)
		return snap, nil
	}
	snap.Views = parseInt(counters["views"])
	snap.Clicks = parseInt(counters["clicks"])
	snap.Conversions = parseInt(counters["conversions"])
	snap.TotalValue = parseFloat(counters["total_value"])

	items, err := s.rdb.LRange(ctx, recentKey(siteID), 0, s.ringSize-1).Result()
	if err != nil {
		s.logger.Warn("snapshot ring buffer unavailable", "error", err, "site_id", siteID)
		return snap, nil
	}
	for _, item := range items {
		var e domain.RingEvent
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		snap.RecentEvents = append(snap.RecentEvents, e)
	}

	return snap, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
