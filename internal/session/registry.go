// Package session holds the in-memory registry of live visitor sessions.
//
// Updates for the same session are serialized behind a per-session mutex;
// updates for different sessions do not contend beyond a brief shard lookup.
// Cross-instance sharing is a scaling seam, not a correctness requirement:
// the real-time counter layer is the cache-backed component.
package session

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/tanvib/sitepulse/internal/domain"
)

const shardCount = 64

type entry struct {
	mu sync.Mutex
	s  domain.Session
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// Registry tracks active sessions across all sites.
type Registry struct {
	shards [shardCount]*shard
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{logger: logger}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*entry)}
	}
	return r
}

func (r *Registry) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return r.shards[h.Sum32()%shardCount]
}

// entryFor returns the entry for a session id, creating it on first use.
// The second return value is false when the session already existed.
func (r *Registry) entryFor(e domain.Event) (*entry, bool) {
	sh := r.shardFor(e.SessionID)

	sh.mu.RLock()
	en, ok := sh.sessions[e.SessionID]
	sh.mu.RUnlock()
	if ok {
		return en, false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if en, ok := sh.sessions[e.SessionID]; ok {
		return en, false
	}
	en = &entry{s: domain.Session{
		ID:             e.SessionID,
		SiteID:         e.SiteID,
		StartedAt:      e.Timestamp,
		LastActivityAt: e.Timestamp,
		IsActive:       true,
	}}
	sh.sessions[e.SessionID] = en
	return en, true
}

// Apply performs the read-modify-write for one event: bump the kind counter,
// advance lastActivityAt (forward only — a stale timestamp still counts the
// event but never moves the clock backwards), and merge kind-specific
// payload into the bounded metadata lists.
//
// Returns the updated session value. An event addressed to a session the
// cleanup sweep already marked inactive is rejected with ErrSessionInactive:
// expired sessions must not resurrect.
func (r *Registry) Apply(e domain.Event) (domain.Session, error) {
	en, created := r.entryFor(e)

	en.mu.Lock()
	defer en.mu.Unlock()

	if !en.s.IsActive {
		return domain.Session{}, domain.ErrSessionInactive
	}

	if !created && e.Timestamp.After(en.s.LastActivityAt) {
		en.s.LastActivityAt = e.Timestamp
	}

	switch e.Kind {
	case domain.KindPageview:
		en.s.Views++
	case domain.KindClick:
		en.s.Clicks++
	case domain.KindScroll:
		if e.Scroll != nil {
			en.s.AppendMetadata("scroll_depths", e.Scroll.Depth)
		}
	case domain.KindFormSubmit:
		if e.Form != nil {
			en.s.AppendMetadata("form_submissions", e.Form.FormID)
		}
	case domain.KindConversion:
		en.s.Conversions++
		if e.Conversion != nil {
			en.s.TotalValue += e.Conversion.Value
			en.s.AppendMetadata("conversions", map[string]any{
				"goal":  e.Conversion.Goal,
				"value": e.Conversion.Value,
			})
		}
	case domain.KindCustom:
		if e.Custom != nil {
			en.s.AppendMetadata("custom_events", map[string]any{
				"name": e.Custom.Name,
				"data": e.Custom.Data,
			})
		}
	}

	return cloneSession(en.s), nil
}

// Get returns a copy of the session, if present.
func (r *Registry) Get(sessionID string) (domain.Session, bool) {
	sh := r.shardFor(sessionID)
	sh.mu.RLock()
	en, ok := sh.sessions[sessionID]
	sh.mu.RUnlock()
	if !ok {
		return domain.Session{}, false
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return cloneSession(en.s), true
}

// ActiveCount counts the sessions for a site whose last activity falls
// within the trailing window.
func (r *Registry) ActiveCount(siteID string, window time.Duration) int {
	cutoff := time.Now().Add(-window)
	count := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, en := range sh.sessions {
			en.mu.Lock()
			if en.s.SiteID == siteID && en.s.IsActive && en.s.LastActivityAt.After(cutoff) {
				count++
			}
			en.mu.Unlock()
		}
		sh.mu.RUnlock()
	}
	return count
}

// SweepInactive marks every session idle for longer than timeout as
// inactive and resets its working metadata. The sweep is idempotent:
// running it twice with no intervening events changes nothing the second
// time. Returns the number of sessions flipped.
func (r *Registry) SweepInactive(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)
	swept := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		entries := make([]*entry, 0, len(sh.sessions))
		for _, en := range sh.sessions {
			entries = append(entries, en)
		}
		sh.mu.RUnlock()

		for _, en := range entries {
			en.mu.Lock()
			if en.s.IsActive && en.s.LastActivityAt.Before(cutoff) {
				en.s.IsActive = false
				en.s.Metadata = nil
				swept++
			}
			en.mu.Unlock()
		}
	}
	if swept > 0 && r.logger != nil {
		r.logger.Info("session sweep complete", "swept", swept)
	}
	return swept
}

// Len returns the total number of tracked sessions, active or not.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

func cloneSession(s domain.Session) domain.Session {
	out := s
	if s.Metadata != nil {
		out.Metadata = make(map[string][]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = append([]any(nil), v...)
		}
	}
	return out
}
