// Package ingest turns a client batch into accepted events and drives every
// downstream update: durable archive, session registry, attribution,
// real-time counters, and one coalesced broadcast per site.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tanvib/sitepulse/internal/counter"
	"github.com/tanvib/sitepulse/internal/domain"
	"github.com/tanvib/sitepulse/internal/session"
	"github.com/tanvib/sitepulse/internal/ws"
)

// Batch is the wire shape submitted by the tracker. Items are grouped by
// kind for the tracker's convenience; the pipeline treats the three arrays
// as one stream in array order.
type Batch struct {
	SiteID      string     `json:"siteId"`
	PageViews   []RawEvent `json:"pageViews,omitempty"`
	Events      []RawEvent `json:"events,omitempty"`
	HeatmapData []RawEvent `json:"heatmapData,omitempty"`
}

// RawEvent is one unvalidated item from a batch.
type RawEvent struct {
	ID        string           `json:"id,omitempty"`
	SessionID string           `json:"sessionId"`
	Kind      domain.EventKind `json:"kind"`
	URL       string           `json:"url,omitempty"`
	Timestamp time.Time        `json:"timestamp,omitempty"`

	Click      *domain.ClickPayload      `json:"click,omitempty"`
	Scroll     *domain.ScrollPayload     `json:"scroll,omitempty"`
	Form       *domain.FormPayload       `json:"form,omitempty"`
	Conversion *domain.ConversionPayload `json:"conversion,omitempty"`
	Custom     *domain.CustomPayload     `json:"custom,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Result summarizes how a batch was processed.
type Result struct {
	Accepted int      `json:"accepted"`
	Dropped  int      `json:"dropped"`
	Errors   []string `json:"errors,omitempty"`
}

// EventArchive is the append-only durable store for accepted events.
type EventArchive interface {
	AppendEvents(ctx context.Context, events []domain.Event) error
}

// SessionSummaryStore persists session summary rows for reconciliation.
type SessionSummaryStore interface {
	UpsertSummary(ctx context.Context, s domain.Session) error
}

// AttributionResolver matches conversions against active experiments.
type AttributionResolver interface {
	Resolve(ctx context.Context, e domain.Event) (*domain.Attribution, error)
}

// Firehose is the optional async event export.
type Firehose interface {
	Publish(ctx context.Context, e domain.Event) error
}

// Publisher is the slice of the hub the pipeline needs.
type Publisher interface {
	Publish(channel, msgType string, data any)
	Notify(channel, message string)
}

// Pipeline processes inbound batches. One linear pass per batch: validate,
// archive, apply to live state, then one counter update and one broadcast
// per site. Failures past the validation step degrade features; they never
// fail the batch back to the tracker.
type Pipeline struct {
	registry    *session.Registry
	counters    *counter.Store
	attribution AttributionResolver
	archive     EventArchive
	summaries   SessionSummaryStore
	firehose    Firehose
	hub         Publisher
	logger      *slog.Logger

	archiveTimeout time.Duration
}

// Options carries the optional collaborators; any of them may be nil.
type Options struct {
	Archive   EventArchive
	Summaries SessionSummaryStore
	Firehose  Firehose
}

func NewPipeline(
	registry *session.Registry,
	counters *counter.Store,
	attribution AttributionResolver,
	hub Publisher,
	opts Options,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		registry:       registry,
		counters:       counters,
		attribution:    attribution,
		archive:        opts.Archive,
		summaries:      opts.Summaries,
		firehose:       opts.Firehose,
		hub:            hub,
		logger:         logger,
		archiveTimeout: 5 * time.Second,
	}
}

// Process handles one batch. A missing site id fails the whole batch with a
// ValidationError; any other malformed item is dropped individually.
func (p *Pipeline) Process(ctx context.Context, b Batch, meta domain.RequestMeta) (*Result, error) {
	if b.SiteID == "" {
		return nil, domain.Invalid("siteId", "required")
	}

	res := &Result{}
	now := time.Now()

	raw := make([]RawEvent, 0, len(b.PageViews)+len(b.Events)+len(b.HeatmapData))
	raw = append(raw, b.PageViews...)
	raw = append(raw, b.Events...)
	raw = append(raw, b.HeatmapData...)

	accepted := make([]domain.Event, 0, len(raw))
	for i, r := range raw {
		e, err := normalize(b.SiteID, r, now, meta)
		if err != nil {
			res.Dropped++
			res.Errors = append(res.Errors, fmt.Sprintf("item %d: %v", i, err))
			p.logger.Warn("dropping malformed event", "site_id", b.SiteID, "item", i, "error", err)
			continue
		}
		accepted = append(accepted, e)
	}

	if len(accepted) == 0 {
		return res, nil
	}

	// Durable write first. A failure (or timeout) here is logged for
	// reconciliation; the real-time path is allowed to run slightly ahead
	// of the system of record.
	if p.archive != nil {
		actx, cancel := context.WithTimeout(ctx, p.archiveTimeout)
		if err := p.archive.AppendEvents(actx, accepted); err != nil {
			p.logger.Error("event archive write failed", "error", err, "site_id", b.SiteID, "events", len(accepted))
		}
		cancel()
	}

	delta := counter.Delta{}
	touched := make(map[string]domain.Session)
	for _, e := range accepted {
		s, err := p.registry.Apply(e)
		if err != nil {
			if errors.Is(err, domain.ErrSessionInactive) {
				res.Dropped++
				res.Errors = append(res.Errors, fmt.Sprintf("event %s: session expired", e.ID))
				p.logger.Warn("event for expired session dropped", "session_id", e.SessionID, "event_id", e.ID)
				continue
			}
			p.logger.Error("session update failed", "error", err, "session_id", e.SessionID)
			continue
		}
		touched[s.ID] = s
		res.Accepted++

		switch e.Kind {
		case domain.KindPageview:
			delta.Views++
		case domain.KindClick:
			delta.Clicks++
		case domain.KindConversion:
			delta.Conversions++
			if e.Conversion != nil {
				delta.Value += e.Conversion.Value
			}
			if p.attribution != nil {
				if _, err := p.attribution.Resolve(ctx, e); err != nil {
					p.logger.Error("attribution failed", "error", err, "event_id", e.ID)
				}
			}
		}
		delta.Events = append(delta.Events, e.Ring())

		if p.firehose != nil {
			if err := p.firehose.Publish(ctx, e); err != nil {
				p.logger.Warn("firehose publish failed", "error", err, "event_id", e.ID)
			}
		}
	}

	for _, s := range touched {
		if p.summaries == nil {
			break
		}
		if err := p.summaries.UpsertSummary(ctx, s); err != nil {
			p.logger.Error("session summary upsert failed", "error", err, "session_id", s.ID)
		}
	}

	p.broadcast(ctx, b.SiteID, delta)

	return res, nil
}

// broadcast performs the coalesced per-site counter update and the single
// push for this batch.
func (p *Pipeline) broadcast(ctx context.Context, siteID string, delta counter.Delta) {
	channel := ws.SiteChannel(siteID)

	if err := p.counters.Apply(ctx, siteID, delta); err != nil {
		p.hub.Notify(channel, "real-time data temporarily unavailable")
		return
	}

	snap, err := p.counters.Snapshot(ctx, siteID)
	if err != nil {
		p.hub.Notify(channel, "real-time data temporarily unavailable")
		return
	}
	p.hub.Publish(channel, ws.TypeRealtimeData, snap)
}

// normalize validates one raw item and produces the immutable accepted
// event: server-assigned id and timestamp where absent, per-kind required
// fields enforced.
func normalize(siteID string, r RawEvent, now time.Time, meta domain.RequestMeta) (domain.Event, error) {
	if r.SessionID == "" {
		return domain.Event{}, domain.Invalid("sessionId", "required")
	}
	if !domain.KnownKind(r.Kind) {
		return domain.Event{}, domain.Invalid("kind", fmt.Sprintf("unknown kind %q", r.Kind))
	}

	switch r.Kind {
	case domain.KindPageview:
		if r.URL == "" {
			return domain.Event{}, domain.Invalid("url", "required for pageview")
		}
	case domain.KindClick:
		if r.Click == nil || r.Click.Element == "" {
			return domain.Event{}, domain.Invalid("click", "element descriptor required")
		}
	case domain.KindScroll:
		if r.Scroll == nil {
			return domain.Event{}, domain.Invalid("scroll", "depth required")
		}
		if r.Scroll.Depth < 0 || r.Scroll.Depth > 100 {
			return domain.Event{}, domain.Invalid("scroll", "depth must be 0-100")
		}
	case domain.KindFormSubmit:
		if r.Form == nil || r.Form.FormID == "" {
			return domain.Event{}, domain.Invalid("form", "form_id required")
		}
	case domain.KindConversion:
		if r.Conversion == nil || r.Conversion.Goal == "" {
			return domain.Event{}, domain.Invalid("conversion", "goal required")
		}
		if r.Conversion.Value < 0 {
			return domain.Event{}, domain.Invalid("conversion", "value must not be negative")
		}
	case domain.KindCustom:
		if r.Custom == nil || r.Custom.Name == "" {
			return domain.Event{}, domain.Invalid("custom", "name required")
		}
	}

	e := domain.Event{
		ID:         r.ID,
		SiteID:     siteID,
		SessionID:  r.SessionID,
		Kind:       r.Kind,
		URL:        r.URL,
		Timestamp:  r.Timestamp,
		Click:      r.Click,
		Scroll:     r.Scroll,
		Form:       r.Form,
		Conversion: r.Conversion,
		Custom:     r.Custom,
		Extra:      r.Extra,
		Meta:       meta,
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	return e, nil
}
