package security

import (
	"net/http"
	"strconv"
)

// Headers attaches the response headers every payment page and API answer carries.
// Payment data is never cached and pages cannot be framed.
type Headers struct {
	// HSTSMaxAge enables Strict-Transport-Security on TLS requests when positive.
	HSTSMaxAge int
}

// Middleware sets the headers before the handler runs so handlers may override them.
func (h Headers) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "no-referrer")
		headers.Set("Cache-Control", "no-store")
		headers.Set("Content-Security-Policy", "default-src 'self'; form-action 'self'; frame-ancestors 'none'")
		if h.HSTSMaxAge > 0 && r.TLS != nil {
			headers.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(h.HSTSMaxAge))
		}
		next.ServeHTTP(w, r)
	})
}

// BodyLimit caps request payloads.
type BodyLimit struct {
	Max int64
}

// Middleware rejects a declared oversized body with 413 and cuts off undeclared ones at
// Max bytes, which makes the handler's read fail.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, b.Max)
		next.ServeHTTP(w, r)
	})
}
