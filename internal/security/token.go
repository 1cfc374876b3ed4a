package security

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// ErrNoToken is returned when no csrf token could be found.
var ErrNoToken = errors.New("security: csrf token unavailable")

// TokenSource yields the csrf token attached to mutating backend calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a token embedded in the page (or passed on the command line).
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if v := strings.TrimSpace(string(s)); v != "" {
		return v, nil
	}
	return "", ErrNoToken
}

// CookieToken reads the token from a cookie stored in Jar for URL.
type CookieToken struct {
	Jar  http.CookieJar
	URL  *url.URL
	Name string
}

func (c CookieToken) Token(context.Context) (string, error) {
	if c.Jar == nil || c.URL == nil {
		return "", ErrNoToken
	}
	name := c.Name
	if name == "" {
		name = DefaultCSRFCookie
	}
	for _, cookie := range c.Jar.Cookies(c.URL) {
		if cookie.Name == name && strings.TrimSpace(cookie.Value) != "" {
			return cookie.Value, nil
		}
	}
	return "", ErrNoToken
}

// FirstToken tries each source in order and returns the first token found.
type FirstToken []TokenSource

func (f FirstToken) Token(ctx context.Context) (string, error) {
	for _, src := range f {
		if src == nil {
			continue
		}
		token, err := src.Token(ctx)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrNoToken) {
			return "", err
		}
	}
	return "", ErrNoToken
}
