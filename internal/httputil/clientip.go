package httputil

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the caller address used in request logs. The control
// API usually listens on loopback, so X-Forwarded-For and X-Real-IP are only
// read when trustProxy is set; the first forwarded hop wins over X-Real-IP.
func GetClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
