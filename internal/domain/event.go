package domain

import (
	"time"
)

// EventKind identifies one of the fixed set of tracked event types.
type EventKind string

const (
	KindPageview   EventKind = "pageview"
	KindClick      EventKind = "click"
	KindScroll     EventKind = "scroll"
	KindFormSubmit EventKind = "form_submit"
	KindConversion EventKind = "conversion"
	KindCustom     EventKind = "custom"
)

// KnownKind reports whether k is one of the supported event kinds.
func KnownKind(k EventKind) bool {
	switch k {
	case KindPageview, KindClick, KindScroll, KindFormSubmit, KindConversion, KindCustom:
		return true
	}
	return false
}

// ClickPayload describes the element and viewport position of a click.
type ClickPayload struct {
	Element      string `json:"element"`
	ElementID    string `json:"element_id,omitempty"`
	ElementClass string `json:"element_class,omitempty"`
	Text         string `json:"text,omitempty"`
	X            int    `json:"x"`
	Y            int    `json:"y"`
}

// ScrollPayload carries a debounced scroll depth sample in percent (0-100).
type ScrollPayload struct {
	Depth int `json:"depth"`
}

// FormPayload identifies a submitted form.
type FormPayload struct {
	FormID string `json:"form_id"`
}

// ConversionPayload carries the goal, its numeric value, and an optional
// experiment variant tag used by the attribution resolver.
type ConversionPayload struct {
	Goal    string  `json:"goal"`
	Value   float64 `json:"value"`
	Variant string  `json:"variant,omitempty"`
}

// CustomPayload is a host-page defined event.
type CustomPayload struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

// RequestMeta holds request-derived metadata attached to every accepted
// event. Browser/OS/device fields are filled by the enricher.
type RequestMeta struct {
	UserAgent      string `json:"user_agent,omitempty"`
	Referrer       string `json:"referrer,omitempty"`
	RemoteAddr     string `json:"remote_addr,omitempty"`
	Browser        string `json:"browser,omitempty"`
	BrowserVersion string `json:"browser_version,omitempty"`
	OS             string `json:"os,omitempty"`
	DeviceType     string `json:"device_type,omitempty"`
}

// Event is a single accepted behavioral event. It is immutable once
// accepted: ownership transfers to the durable stores and the real-time
// layer only reads it transiently.
//
// Exactly one of the kind-specific payload pointers is set, matching Kind.
// Extra is an open-ended metadata map for forward-compatible fields.
type Event struct {
	ID        string    `json:"id"`
	SiteID    string    `json:"site_id"`
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Click      *ClickPayload      `json:"click,omitempty"`
	Scroll     *ScrollPayload     `json:"scroll,omitempty"`
	Form       *FormPayload       `json:"form,omitempty"`
	Conversion *ConversionPayload `json:"conversion,omitempty"`
	Custom     *CustomPayload     `json:"custom,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
	Meta  RequestMeta    `json:"meta"`
}

// RingEvent is the compact form of an event kept in a site's recent-event
// ring buffer and pushed to dashboards.
type RingEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Ring returns the ring-buffer form of the event.
func (e Event) Ring() RingEvent {
	return RingEvent{
		ID:        e.ID,
		SessionID: e.SessionID,
		Kind:      e.Kind,
		URL:       e.URL,
		Timestamp: e.Timestamp,
	}
}
