package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient wraps an http.Client with a per-attempt timeout, a circuit breaker and
// optional retries. Only idempotent methods (GET, HEAD) are ever retried; mutating
// calls are attempted once regardless of MaxAttempts.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	Target      string
	Logger      *zerolog.Logger
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
}

// Do executes req. A response with a 5xx status is returned to the caller once attempts
// are exhausted so the caller can classify it; network failures and timeouts are
// returned as errors. When the breaker refuses the call ErrOpenCircuit is returned.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	maxAttempts := cl.MaxAttempts
	if maxAttempts <= 0 || !idempotent(req.Method) {
		maxAttempts = 1
	}
	baseBackoff := cl.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 100 * time.Millisecond
	}

	body, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		if cl.Breaker != nil && !cl.Breaker.Allow(ctx) {
			cl.count(req.Method, "circuit_open")
			return nil, ErrOpenCircuit
		}
		resp, err := cl.doOnce(ctx, req, body)
		failed := err != nil || resp.StatusCode >= http.StatusInternalServerError
		if cl.Breaker != nil {
			cl.Breaker.Report(ctx, !failed)
		}
		switch {
		case err != nil:
			cl.count(req.Method, "error")
		case failed:
			cl.count(req.Method, "server_error")
		default:
			cl.count(req.Method, "ok")
			return resp, nil
		}

		if attempt >= maxAttempts || ctx.Err() != nil {
			return resp, err
		}
		if resp != nil {
			drain(resp)
		}

		wait := Backoff(baseBackoff, attempt, cl.Jitter)
		cl.logger().Debug().
			Str("target", cl.Target).
			Str("method", req.Method).
			Int("attempt", attempt).
			Dur("backoff", wait).
			AnErr("error", err).
			Msg("retrying backend call")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	callCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	attempt := req.Clone(callCtx)
	if body != nil {
		attempt.Body = io.NopCloser(bytes.NewReader(body))
		attempt.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	resp, err := cl.Client.Do(attempt)
	if err != nil {
		cancel()
		if callCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: backend call exceeded %s: %v", context.DeadlineExceeded, timeout, err)
		}
		return nil, err
	}
	// the per-call deadline also covers reading the body
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (cl HTTPClient) count(method, result string) {
	target := cl.Target
	if target == "" {
		target = "default"
	}
	RequestAttempts.WithLabelValues(target, method, result).Inc()
}

func (cl HTTPClient) logger() *zerolog.Logger {
	if cl.Logger != nil {
		return cl.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func replayableBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	src := req.Body
	if req.GetBody != nil {
		fresh, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		src = fresh
	}
	defer func() { _ = src.Close() }()
	return io.ReadAll(src)
}
