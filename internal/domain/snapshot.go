package domain

import "time"

// RingBufferSize is the number of recent events kept per site, newest first.
const RingBufferSize = 50

// Snapshot is the rolling real-time aggregate for one site. It is derived
// state with its own TTL: losing it is safe, it rebuilds from live traffic
// and the session registry.
type Snapshot struct {
	SiteID         string      `json:"site_id"`
	ActiveSessions int         `json:"active_sessions"`
	Views          int64       `json:"views"`
	Clicks         int64       `json:"clicks"`
	Conversions    int64       `json:"conversions"`
	TotalValue     float64     `json:"total_value"`
	RecentEvents   []RingEvent `json:"recent_events"`
	GeneratedAt    time.Time   `json:"generated_at"`
}
