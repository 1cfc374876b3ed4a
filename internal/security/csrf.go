package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

const (
	DefaultCSRFHeader = "X-CSRFToken"
	DefaultCSRFCookie = "csrftoken"
	DefaultCSRFField  = "csrfmiddlewaretoken"
)

type tokenKey struct{}

// TokenFromContext returns the csrf token of the current request, including one just
// issued by the middleware. Templates embed it into forms.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// CSRF protects cookie-based flows using the double-submit technique: mutating
// requests must echo the csrf cookie value in a header.
type CSRF struct {
	Header string
	Cookie string
	// Field is the form field accepted when the header is absent.
	Field string
	// Secure marks issued cookies as HTTPS only.
	Secure bool
}

func (c CSRF) names() (header, cookie string) {
	header, cookie = strings.TrimSpace(c.Header), strings.TrimSpace(c.Cookie)
	if header == "" {
		header = DefaultCSRFHeader
	}
	if cookie == "" {
		cookie = DefaultCSRFCookie
	}
	return header, cookie
}

// Middleware issues the csrf cookie on safe requests that lack one and rejects
// mutating requests whose header does not match the cookie.
func (c CSRF) Middleware(next http.Handler) http.Handler {
	headerName, cookieName := c.names()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
			token := ""
			if cookie, err := r.Cookie(cookieName); err == nil {
				token = cookie.Value
			} else if fresh, err := NewToken(); err == nil {
				token = fresh
				http.SetCookie(w, &http.Cookie{
					Name:     cookieName,
					Value:    token,
					Path:     "/",
					Secure:   c.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenKey{}, token)))
			return
		}

		token := strings.TrimSpace(r.Header.Get(headerName))
		if token == "" && isForm(r) {
			token = strings.TrimSpace(r.PostFormValue(c.field()))
		}
		if token == "" {
			http.Error(w, "missing csrf token", http.StatusForbidden)
			return
		}
		cookie, err := r.Cookie(cookieName)
		if err != nil || strings.TrimSpace(cookie.Value) == "" {
			http.Error(w, "missing csrf cookie", http.StatusForbidden)
			return
		}
		if !constantTimeEqual(token, cookie.Value) {
			http.Error(w, "invalid csrf token", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenKey{}, token)))
	})
}

func (c CSRF) field() string {
	if f := strings.TrimSpace(c.Field); f != "" {
		return f
	}
	return DefaultCSRFField
}

func isForm(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data")
}

// NewToken returns a random hex token suitable for the csrf cookie.
func NewToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
