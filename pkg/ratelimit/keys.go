package ratelimit

import (
	"net/http"
	"strings"
)

// KeyFunc derives a rate-limit identity from request metadata. Implementations
// must be pure.
type KeyFunc func(r *http.Request) string

const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
	HeaderUserID       = "X-User-ID"
)

// ByAddress uses the first X-Forwarded-For hop, then X-Real-IP, then "unknown"
func ByAddress(r *http.Request) string {
	if forwarded := r.Header.Get(HeaderForwardedFor); forwarded != "" {
		// Take the first IP in the chain
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get(HeaderRealIP)); realIP != "" {
		return realIP
	}

	return "unknown"
}

// ByUser uses the authenticated identity header, or "anonymous"
func ByUser(r *http.Request) string {
	if userID := strings.TrimSpace(r.Header.Get(HeaderUserID)); userID != "" {
		return userID
	}
	return "anonymous"
}

// ByEndpoint isolates each client per route
func ByEndpoint(r *http.Request) string {
	return r.URL.Path + ":" + ByAddress(r)
}
