package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/errand-pay/internal/common"
)

// Throttle rejects requests over the window with 429 before they reach next.
type Throttle struct {
	Window Window
	// Key derives the bucket of a request; requests with an empty key are not counted.
	Key     func(*http.Request) string
	OnError func(error)
}

// Middleware implements the http.Handler middleware interface. Limiter failures let
// the request through.
func (t Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.Key == nil || t.Window.Client == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := t.Key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		d, err := t.Window.Allow(r.Context(), key)
		if err != nil {
			if t.OnError != nil {
				t.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(max(t.Window.Max, 0)))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			headers.Set("Retry-After", strconv.Itoa(max(int(time.Until(d.ResetAt).Seconds()), 0)))
			common.Fail(w, http.StatusTooManyRequests, "Too many payment attempts. Please wait a moment and try again.")
			return
		}
		next.ServeHTTP(w, r)
	})
}
