package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/tanvib/sitepulse/internal/counter"
	"github.com/tanvib/sitepulse/internal/domain"
	"github.com/tanvib/sitepulse/internal/session"
	"github.com/tanvib/sitepulse/internal/ws"
)

type publishedMsg struct {
	channel string
	msgType string
	data    any
}

type fakePublisher struct {
	pushes  []publishedMsg
	notices []string
}

func (f *fakePublisher) Publish(channel, msgType string, data any) {
	f.pushes = append(f.pushes, publishedMsg{channel, msgType, data})
}

func (f *fakePublisher) Notify(channel, message string) {
	f.notices = append(f.notices, message)
}

type fakeResolver struct {
	resolved []domain.Event
}

func (f *fakeResolver) Resolve(_ context.Context, e domain.Event) (*domain.Attribution, error) {
	f.resolved = append(f.resolved, e)
	return nil, nil
}

type failingArchive struct{ calls int }

func (f *failingArchive) AppendEvents(_ context.Context, _ []domain.Event) error {
	f.calls++
	return errors.New("clickhouse unreachable")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupPipeline(t *testing.T, opts Options) (*Pipeline, *session.Registry, *fakePublisher, *fakeResolver) {
	t.Helper()
	logger := testLogger()
	registry := session.NewRegistry(logger)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	counters := counter.NewStore(client, registry, logger, 5*time.Minute, 30*time.Minute)

	pub := &fakePublisher{}
	resolver := &fakeResolver{}
	p := NewPipeline(registry, counters, resolver, pub, opts, logger)
	return p, registry, pub, resolver
}

func rawPageview(sessionID, url string) RawEvent {
	return RawEvent{SessionID: sessionID, Kind: domain.KindPageview, URL: url}
}

func rawClick(sessionID string, n int) RawEvent {
	return RawEvent{
		SessionID: sessionID,
		Kind:      domain.KindClick,
		URL:       "/page",
		Click:     &domain.ClickPayload{Element: "button", X: n, Y: n},
	}
}

func TestPipeline_MissingSiteIDFailsWholeBatch(t *testing.T) {
	p, _, _, _ := setupPipeline(t, Options{})

	_, err := p.Process(context.Background(), Batch{
		Events: []RawEvent{rawPageview("sess-1", "/home")},
	}, domain.RequestMeta{})

	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestPipeline_MalformedItemDroppedNotWholeBatch(t *testing.T) {
	p, _, _, _ := setupPipeline(t, Options{})

	batch := Batch{SiteID: "site-1"}
	for i := 0; i < 9; i++ {
		batch.Events = append(batch.Events, rawPageview("sess-1", fmt.Sprintf("/page-%d", i)))
	}
	// Malformed: pageview without a URL.
	batch.Events = append(batch.Events, RawEvent{SessionID: "sess-1", Kind: domain.KindPageview})

	res, err := p.Process(context.Background(), batch, domain.RequestMeta{})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if res.Accepted != 9 {
		t.Errorf("accepted = %d, want 9", res.Accepted)
	}
	if res.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", res.Dropped)
	}
	if len(res.Errors) != 1 {
		t.Errorf("errors = %v, want one reason", res.Errors)
	}
}

func TestPipeline_UnknownKindAndMissingSessionDropped(t *testing.T) {
	p, _, _, _ := setupPipeline(t, Options{})

	res, err := p.Process(context.Background(), Batch{
		SiteID: "site-1",
		Events: []RawEvent{
			{SessionID: "sess-1", Kind: "hover", URL: "/x"},
			{Kind: domain.KindPageview, URL: "/x"},
			rawPageview("sess-1", "/ok"),
		},
	}, domain.RequestMeta{})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if res.Accepted != 1 || res.Dropped != 2 {
		t.Errorf("result = %+v, want 1 accepted / 2 dropped", res)
	}
}

func TestPipeline_OneBroadcastPerBatch(t *testing.T) {
	p, _, pub, _ := setupPipeline(t, Options{})

	batch := Batch{SiteID: "site-1"}
	for i := 0; i < 15; i++ {
		batch.Events = append(batch.Events, rawClick("sess-1", i))
	}

	if _, err := p.Process(context.Background(), batch, domain.RequestMeta{}); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if len(pub.pushes) != 1 {
		t.Fatalf("pushes = %d, want exactly 1 coalesced broadcast", len(pub.pushes))
	}
	push := pub.pushes[0]
	if push.channel != ws.SiteChannel("site-1") || push.msgType != ws.TypeRealtimeData {
		t.Errorf("push = %+v", push)
	}

	snap, ok := push.data.(*domain.Snapshot)
	if !ok {
		t.Fatalf("push data is %T, want *domain.Snapshot", push.data)
	}
	if snap.Clicks != 15 {
		t.Errorf("snapshot clicks = %d, want 15", snap.Clicks)
	}
	if len(snap.RecentEvents) != 15 {
		t.Fatalf("recent events = %d, want 15", len(snap.RecentEvents))
	}
	// Newest first: the last click of the batch leads the buffer.
	if snap.RecentEvents[0].Kind != domain.KindClick {
		t.Errorf("head of buffer = %+v", snap.RecentEvents[0])
	}
}

func TestPipeline_SessionCountersMatchBatch(t *testing.T) {
	p, registry, _, _ := setupPipeline(t, Options{})

	batch := Batch{SiteID: "site-1"}
	for i := 0; i < 15; i++ {
		batch.Events = append(batch.Events, rawClick("sess-1", i))
	}

	if _, err := p.Process(context.Background(), batch, domain.RequestMeta{}); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	s, ok := registry.Get("sess-1")
	if !ok {
		t.Fatal("session not created")
	}
	if s.Clicks != 15 {
		t.Errorf("session clicks = %d, want 15", s.Clicks)
	}
}

func TestPipeline_ConversionsReachResolver(t *testing.T) {
	p, _, _, resolver := setupPipeline(t, Options{})

	res, err := p.Process(context.Background(), Batch{
		SiteID: "site-1",
		Events: []RawEvent{
			rawPageview("sess-1", "/pricing"),
			{
				SessionID:  "sess-1",
				Kind:       domain.KindConversion,
				URL:        "/signup/done",
				Conversion: &domain.ConversionPayload{Goal: "signup", Value: 20, Variant: "B"},
			},
		},
	}, domain.RequestMeta{})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if res.Accepted != 2 {
		t.Errorf("accepted = %d, want 2", res.Accepted)
	}
	if len(resolver.resolved) != 1 {
		t.Fatalf("resolver saw %d events, want 1", len(resolver.resolved))
	}
	if resolver.resolved[0].Conversion.Variant != "B" {
		t.Errorf("resolved variant = %q, want B", resolver.resolved[0].Conversion.Variant)
	}
}

func TestPipeline_ArchiveFailureDoesNotFailBatch(t *testing.T) {
	archive := &failingArchive{}
	p, _, pub, _ := setupPipeline(t, Options{Archive: archive})

	res, err := p.Process(context.Background(), Batch{
		SiteID: "site-1",
		Events: []RawEvent{rawPageview("sess-1", "/home")},
	}, domain.RequestMeta{})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if archive.calls != 1 {
		t.Errorf("archive calls = %d, want 1", archive.calls)
	}
	if res.Accepted != 1 {
		t.Errorf("accepted = %d, want 1 despite archive failure", res.Accepted)
	}
	if len(pub.pushes) != 1 {
		t.Errorf("broadcast should still happen, got %d pushes", len(pub.pushes))
	}
}

func TestPipeline_ExpiredSessionEventDropped(t *testing.T) {
	p, registry, _, _ := setupPipeline(t, Options{})
	ctx := context.Background()

	// First visit 31 minutes ago, then swept inactive.
	p.Process(ctx, Batch{
		SiteID: "site-1",
		Events: []RawEvent{{
			SessionID: "sess-1",
			Kind:      domain.KindPageview,
			URL:       "/home",
			Timestamp: time.Now().Add(-31 * time.Minute),
		}},
	}, domain.RequestMeta{})
	registry.SweepInactive(30 * time.Minute)

	// The stale session id must not resurrect; a fresh one is accepted.
	res, err := p.Process(ctx, Batch{
		SiteID: "site-1",
		Events: []RawEvent{
			rawPageview("sess-1", "/back"),
			rawPageview("sess-2", "/back"),
		},
	}, domain.RequestMeta{})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if res.Accepted != 1 || res.Dropped != 1 {
		t.Errorf("result = %+v, want 1 accepted / 1 dropped", res)
	}
	if s, _ := registry.Get("sess-1"); s.IsActive {
		t.Error("expired session resurrected")
	}
	if s, ok := registry.Get("sess-2"); !ok || !s.IsActive {
		t.Error("replacement session missing")
	}
}

func TestPipeline_AssignsIDAndTimestamp(t *testing.T) {
	p, registry, _, _ := setupPipeline(t, Options{})

	before := time.Now()
	_, err := p.Process(context.Background(), Batch{
		SiteID:    "site-1",
		PageViews: []RawEvent{rawPageview("sess-1", "/home")},
	}, domain.RequestMeta{})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	s, _ := registry.Get("sess-1")
	if s.LastActivityAt.Before(before) {
		t.Errorf("server timestamp not assigned: %v", s.LastActivityAt)
	}
}
