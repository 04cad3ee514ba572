package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/tanvib/sitepulse/internal/counter"
	"github.com/tanvib/sitepulse/internal/domain"
	"github.com/tanvib/sitepulse/internal/ingest"
	"github.com/tanvib/sitepulse/internal/ratelimit"
	"github.com/tanvib/sitepulse/internal/session"
	"github.com/tanvib/sitepulse/internal/ws"
)

type fakeSummaries struct {
	sessions map[string]*domain.Session
}

func (f *fakeSummaries) GetSummary(ctx context.Context, id string) (*domain.Session, error) {
	return f.sessions[id], nil
}

func setupServer(t *testing.T, rateLimit int, summaries SummarySource) *httptest.Server {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	registry := session.NewRegistry(logger)
	counters := counter.NewStore(client, registry, logger, 30*time.Minute, 30*time.Minute)
	hub := ws.NewHub(counters, logger)
	pipeline := ingest.NewPipeline(registry, counters, nil, hub, ingest.Options{}, logger)
	limiter := ratelimit.NewLimiter(client, rateLimit, logger)

	srv := httptest.NewServer(NewRouter(pipeline, limiter, counters, registry, summaries, hub))
	t.Cleanup(srv.Close)
	return srv
}

func postBatch(t *testing.T, srv *httptest.Server, batch ingest.Batch) *http.Response {
	t.Helper()
	body, _ := json.Marshal(batch)
	resp, err := http.Post(srv.URL+"/api/v1/collect", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("posting batch: %v", err)
	}
	return resp
}

func TestCollect_AcceptsBatch(t *testing.T) {
	srv := setupServer(t, 0, nil)

	resp := postBatch(t, srv, ingest.Batch{
		SiteID: "site-1",
		PageViews: []ingest.RawEvent{
			{SessionID: "sess-1", Kind: domain.KindPageview, URL: "/home"},
		},
		Events: []ingest.RawEvent{
			{SessionID: "sess-1", Kind: domain.KindClick, Click: &domain.ClickPayload{Element: "button"}},
		},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result ingest.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.Accepted != 2 {
		t.Errorf("accepted = %d, want 2", result.Accepted)
	}
	if result.Dropped != 0 {
		t.Errorf("dropped = %d, want 0", result.Dropped)
	}
}

func TestCollect_MissingSiteID(t *testing.T) {
	srv := setupServer(t, 0, nil)

	resp := postBatch(t, srv, ingest.Batch{
		PageViews: []ingest.RawEvent{
			{SessionID: "sess-1", Kind: domain.KindPageview, URL: "/home"},
		},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCollect_InvalidBody(t *testing.T) {
	srv := setupServer(t, 0, nil)

	resp, err := http.Post(srv.URL+"/api/v1/collect", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("posting: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCollect_RateLimited(t *testing.T) {
	srv := setupServer(t, 2, nil)

	batch := ingest.Batch{
		SiteID: "site-1",
		PageViews: []ingest.RawEvent{
			{SessionID: "sess-1", Kind: domain.KindPageview, URL: "/home"},
		},
	}

	for i := 0; i < 2; i++ {
		resp := postBatch(t, srv, batch)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("batch %d: status = %d, want 200", i+1, resp.StatusCode)
		}
	}

	resp := postBatch(t, srv, batch)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}

func TestRealtime_ReturnsSnapshot(t *testing.T) {
	srv := setupServer(t, 0, nil)

	resp := postBatch(t, srv, ingest.Batch{
		SiteID: "site-1",
		PageViews: []ingest.RawEvent{
			{SessionID: "sess-1", Kind: domain.KindPageview, URL: "/home"},
			{SessionID: "sess-2", Kind: domain.KindPageview, URL: "/pricing"},
		},
	})
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/v1/sites/site-1/realtime")
	if err != nil {
		t.Fatalf("getting snapshot: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var snap domain.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if snap.Views != 2 {
		t.Errorf("views = %d, want 2", snap.Views)
	}
	if snap.ActiveSessions != 2 {
		t.Errorf("active sessions = %d, want 2", snap.ActiveSessions)
	}
}

func TestSession_NotFound(t *testing.T) {
	srv := setupServer(t, 0, nil)

	resp, err := http.Get(srv.URL + "/api/v1/sessions/nope")
	if err != nil {
		t.Fatalf("getting session: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSession_FallsBackToSummaryStore(t *testing.T) {
	summaries := &fakeSummaries{sessions: map[string]*domain.Session{
		"sess-old": {ID: "sess-old", SiteID: "site-1", Views: 7, IsActive: false},
	}}
	srv := setupServer(t, 0, summaries)

	resp, err := http.Get(srv.URL + "/api/v1/sessions/sess-old")
	if err != nil {
		t.Fatalf("getting session: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var sess domain.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	if sess.ID != "sess-old" || sess.Views != 7 {
		t.Errorf("unexpected session from summary fallback: %+v", sess)
	}
	if sess.IsActive {
		t.Error("summary row should stay inactive")
	}
}

func TestHealth(t *testing.T) {
	srv := setupServer(t, 0, nil)

	resp, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("getting health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
