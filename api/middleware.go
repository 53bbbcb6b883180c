package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const bearerPrefix = "Bearer "

// RequireToken rejects requests whose Authorization header does not carry
// the configured bearer token. Repeated failures from one address are
// throttled with 429.
func (a *API) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if blocked, retryAfter := a.rateLimiter.check(ip); blocked {
			writeRateLimited(w, retryAfter)
			return
		}

		if !a.validToken(r.Header.Get("Authorization")) {
			a.rateLimiter.recordFailure(ip)
			a.log.WarnContext(r.Context(), "admin token rejected", "remote_ip", ip, "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="hostlink"`)
			writeError(w, http.StatusUnauthorized, "missing or invalid admin token")
			return
		}
		a.rateLimiter.recordSuccess(ip)
		next.ServeHTTP(w, r)
	})
}

func (a *API) validToken(header string) bool {
	if a.token == "" || !strings.HasPrefix(header, bearerPrefix) {
		return false
	}
	got := strings.TrimSpace(header[len(bearerPrefix):])
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) == 1
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

// clientIP returns the direct peer address. Proxy headers are ignored; the
// admin listener is meant to be bound to loopback.
func clientIP(r *http.Request) string {
	s := r.RemoteAddr
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.Trim(s, "[]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String()
	}
	return s
}
