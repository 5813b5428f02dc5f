package httpserver

import (
	"github.com/otistx/backend/internal/upstream"
)

// upstreamOptions picks a proxy from the pool, if one is configured and
// available, for a single outbound dispatch. Requests fall back to a direct
// connection when the pool is disabled or empty.
func (h *handlers) upstreamOptions() upstream.Options {
	if h.proxies == nil {
		return upstream.Options{}
	}
	proxy, ok := h.proxies.RandomActive()
	if !ok {
		return upstream.Options{}
	}
	return upstream.Options{Proxy: proxy}
}

// cookiePreview truncates a raw cookie string to a value safe to log and
// persist (e.g. VoucherOperation.CookiePreview), never the full credential.
func cookiePreview(cookie string) string {
	const maxLen = 16
	if len(cookie) <= maxLen {
		return cookie
	}
	return cookie[:maxLen] + "..."
}
