// Package clientip extracts the client address from requests behind proxies.
package clientip

import (
	"net"
	"net/http"
	"strings"
)

// FromRequest returns the client IP, preferring X-Forwarded-For and
// X-Real-IP over the connection's remote address.
func FromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
