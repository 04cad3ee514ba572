// Package enrich derives request metadata for accepted events: client
// address, referrer, and user-agent classification.
package enrich

import (
	"net/http"

	"github.com/mssola/useragent"
	"github.com/tanvib/sitepulse/internal/domain"
)

// FromRequest builds the request metadata attached to every event in a
// batch. The whole batch shares one HTTP request, so this runs once per
// batch, not per event.
func FromRequest(r *http.Request) domain.RequestMeta {
	meta := domain.RequestMeta{
		UserAgent:  r.Header.Get("User-Agent"),
		Referrer:   r.Header.Get("Referer"),
		RemoteAddr: clientIP(r),
	}

	if meta.UserAgent != "" {
		ua := useragent.New(meta.UserAgent)
		meta.Browser, meta.BrowserVersion = ua.Browser()
		meta.OS = ua.OS()
		meta.DeviceType = deviceType(ua)
	}

	return meta
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

func deviceType(ua *useragent.UserAgent) string {
	if ua.Mobile() {
		return "mobile"
	}
	if ua.Bot() {
		return "bot"
	}
	return "desktop"
}
