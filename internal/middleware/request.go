package middleware

import (
	"net"
	"net/http"
	"strings"
)

// UserIDHeader carries the caller's identity. Authentication happens upstream
// of this service; the header is trusted as-is.
const UserIDHeader = "X-User-ID"

// UserID returns the caller named by the request. Websocket clients that
// cannot set headers may pass ?user= instead.
func UserID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(UserIDHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("user"))
}

// ClientIP takes the first hop of X-Forwarded-For, then X-Real-IP, then the
// connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
