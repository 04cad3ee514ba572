// Package tracker is the client SDK for submitting analytics batches to a
// sitepulse collect endpoint. It buffers events in memory, flushes on a
// size threshold or a timer, and keeps visitor and session identity in a
// small state file so restarts within the session window continue the same
// session.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	defaultBufferSize     = 10
	defaultFlushInterval  = 5 * time.Second
	defaultSessionTimeout = 30 * time.Minute
	defaultMaxRetries     = 3
)

// Config configures a Tracker. Endpoint and SiteID are required.
type Config struct {
	Endpoint string
	SiteID   string

	// StateFile persists visitor and session identity across restarts.
	// Empty keeps identity in memory only.
	StateFile string

	BufferSize     int
	FlushInterval  time.Duration
	SessionTimeout time.Duration
	MaxRetries     int

	HTTPClient *http.Client
}

// state is the persisted identity record.
type state struct {
	VisitorID    string    `json:"visitor_id"`
	SessionID    string    `json:"session_id"`
	LastActivity time.Time `json:"last_activity"`
}

type item struct {
	SessionID string         `json:"sessionId"`
	Kind      string         `json:"kind"`
	URL       string         `json:"url,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Click     map[string]any `json:"click,omitempty"`
	Scroll    map[string]any `json:"scroll,omitempty"`
	Form      map[string]any `json:"form,omitempty"`
	Conv      map[string]any `json:"conversion,omitempty"`
	Custom    map[string]any `json:"custom,omitempty"`
}

type batch struct {
	SiteID    string `json:"siteId"`
	PageViews []item `json:"pageViews,omitempty"`
	Events    []item `json:"events,omitempty"`
}

// Tracker buffers and ships events. All methods are safe for concurrent
// use.
type Tracker struct {
	cfg    Config
	client *http.Client

	mu     sync.Mutex
	st     state
	buffer []item

	dropped atomic.Int64

	flushCh chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New creates a Tracker and starts its background flush loop.
func New(cfg Config) (*Tracker, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.SiteID == "" {
		return nil, fmt.Errorf("site id is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	t := &Tracker{
		cfg:     cfg,
		client:  cfg.HTTPClient,
		flushCh: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.loadState()
	go t.loop()
	return t, nil
}

// loadState restores identity from the state file. A fresh visitor id is
// minted when the file is absent or unreadable; the session id is reused
// only when the last activity falls within the session window.
func (t *Tracker) loadState() {
	now := time.Now()

	if t.cfg.StateFile != "" {
		if data, err := os.ReadFile(t.cfg.StateFile); err == nil {
			var st state
			if json.Unmarshal(data, &st) == nil && st.VisitorID != "" {
				t.st = st
			}
		}
	}

	if t.st.VisitorID == "" {
		t.st.VisitorID = uuid.New().String()
	}
	if t.st.SessionID == "" || now.Sub(t.st.LastActivity) > t.cfg.SessionTimeout {
		t.st.SessionID = uuid.New().String()
	}
	t.st.LastActivity = now
	t.saveStateLocked()
}

func (t *Tracker) saveStateLocked() {
	if t.cfg.StateFile == "" {
		return
	}
	data, err := json.Marshal(t.st)
	if err != nil {
		return
	}
	_ = os.WriteFile(t.cfg.StateFile, data, 0o644)
}

// VisitorID returns the stable visitor identifier.
func (t *Tracker) VisitorID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st.VisitorID
}

// SessionID returns the current session identifier. A new session starts
// when the gap since the last tracked event exceeds the session timeout.
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st.SessionID
}

// Dropped reports how many events were discarded after exhausting
// delivery retries.
func (t *Tracker) Dropped() int64 {
	return t.dropped.Load()
}

// Pageview records a page view.
func (t *Tracker) Pageview(url string) {
	t.add(item{Kind: "pageview", URL: url})
}

// Click records a click on an element.
func (t *Tracker) Click(element, url string) {
	t.add(item{Kind: "click", URL: url, Click: map[string]any{"element": element}})
}

// Scroll records scroll depth as a 0-100 percentage.
func (t *Tracker) Scroll(depth int, url string) {
	t.add(item{Kind: "scroll", URL: url, Scroll: map[string]any{"depth": depth}})
}

// FormSubmit records a form submission.
func (t *Tracker) FormSubmit(formID, url string) {
	t.add(item{Kind: "form_submit", URL: url, Form: map[string]any{"form_id": formID}})
}

// Conversion records a conversion toward a goal, with an optional variant
// tag for experiment attribution.
func (t *Tracker) Conversion(goal, variant string, value float64) {
	conv := map[string]any{"goal": goal, "value": value}
	if variant != "" {
		conv["variant"] = variant
	}
	t.add(item{Kind: "conversion", Conv: conv})
}

// Track records a named custom event.
func (t *Tracker) Track(name string, data map[string]any) {
	t.add(item{Kind: "custom", Custom: map[string]any{"name": name, "data": data}})
}

func (t *Tracker) add(it item) {
	t.mu.Lock()

	now := time.Now()
	if now.Sub(t.st.LastActivity) > t.cfg.SessionTimeout {
		t.st.SessionID = uuid.New().String()
	}
	t.st.LastActivity = now
	t.saveStateLocked()

	it.SessionID = t.st.SessionID
	it.Timestamp = now
	t.buffer = append(t.buffer, it)
	full := len(t.buffer) >= t.cfg.BufferSize
	t.mu.Unlock()

	if full {
		select {
		case t.flushCh <- struct{}{}:
		default:
		}
	}
}

func (t *Tracker) loop() {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.flush()
		case <-t.flushCh:
			t.flush()
		case <-t.stop:
			t.flush()
			return
		}
	}
}

// flush takes the current buffer and ships it. Events from a failed batch
// are dropped, not requeued; the server side dedupes nothing and replays
// would skew the live counters.
func (t *Tracker) flush() {
	t.mu.Lock()
	if len(t.buffer) == 0 {
		t.mu.Unlock()
		return
	}
	pending := t.buffer
	t.buffer = nil
	t.mu.Unlock()

	b := batch{SiteID: t.cfg.SiteID}
	for _, it := range pending {
		if it.Kind == "pageview" {
			b.PageViews = append(b.PageViews, it)
		} else {
			b.Events = append(b.Events, it)
		}
	}

	if err := t.send(b); err != nil {
		t.dropped.Add(int64(len(pending)))
	}
}

// send posts one batch with constant-interval retries.
func (t *Tracker) send(b batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshaling batch: %w", err)
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), uint64(t.cfg.MaxRetries-1))

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			return fmt.Errorf("posting batch: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode == http.StatusBadRequest:
			// The server rejected the batch shape; retrying cannot help.
			return backoff.Permanent(fmt.Errorf("batch rejected: %d", resp.StatusCode))
		default:
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
	}, policy)
}

// Close flushes any buffered events and stops the background loop.
func (t *Tracker) Close() error {
	t.once.Do(func() { close(t.stop) })
	<-t.done
	return nil
}
