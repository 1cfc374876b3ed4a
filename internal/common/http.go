package common

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP keys requests by the caller's address. X-Forwarded-For and X-Real-IP can
// be sent by anyone, so they are only read when TrustProxy is set (the sandbox sits
// behind a proxy that overwrites them).
type ClientIP struct {
	TrustProxy bool
}

// Of returns the client address of r.
func (c ClientIP) Of(r *http.Request) string {
	if r == nil {
		return ""
	}
	if c.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
