package domain

import "time"

// MetadataListCap bounds each per-field metadata list on a session. When a
// list exceeds the cap the oldest entries are dropped.
const MetadataListCap = 50

// Session is the live per-visitor state for one site. Created on the first
// event carrying a new session id, mutated by every subsequent event, and
// flipped inactive by the cleanup sweep after the inactivity timeout. Never
// hard-deleted by this core.
type Session struct {
	ID             string    `json:"id"`
	SiteID         string    `json:"site_id"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IsActive       bool      `json:"is_active"`

	Views       int64   `json:"views"`
	Clicks      int64   `json:"clicks"`
	Conversions int64   `json:"conversions"`
	TotalValue  float64 `json:"total_value"`

	// Metadata accumulates structured sub-events (scroll depth samples,
	// form submissions, custom payloads) as bounded lists per field.
	Metadata map[string][]any `json:"metadata,omitempty"`
}

// AppendMetadata appends v to the named metadata list, dropping the oldest
// entry once the list is at MetadataListCap.
func (s *Session) AppendMetadata(field string, v any) {
	if s.Metadata == nil {
		s.Metadata = make(map[string][]any)
	}
	list := s.Metadata[field]
	if len(list) >= MetadataListCap {
		list = list[1:]
	}
	s.Metadata[field] = append(list, v)
}
