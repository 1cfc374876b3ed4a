package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/errand-pay/internal/events"
	"github.com/noah-isme/errand-pay/internal/resilience"
)

const maxResponseBytes = 4 << 10

// Webhook forwards workflow signals to an HTTP endpoint so a UI server can react to
// them. Each delivery is signed with the shared secret.
type Webhook struct {
	URL    string
	Secret string
	// Topics restricts delivery; empty means every topic.
	Topics []string
	HTTP   resilience.HTTPClient
	// Replay suppresses a second delivery of the same signal within ReplayTTL.
	Replay    ReplayProtector
	ReplayTTL time.Duration
	// Now overrides the signing clock in tests.
	Now func() time.Time
}

var _ events.Notifier = Webhook{}

// DeliveryError is returned when the endpoint answers with a non-2xx status.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook responded %d: %s", e.StatusCode, e.Body)
}

// Notify implements events.Notifier.
func (wh Webhook) Notify(ctx context.Context, sig events.Signal) error {
	if wh.URL == "" {
		return nil
	}
	if len(wh.Topics) > 0 && !slices.Contains(wh.Topics, sig.Topic) {
		return nil
	}
	ctx, span := otel.Tracer("notify.Webhook").Start(ctx, "Webhook.Notify")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.topic", sig.Topic),
		attribute.String("webhook.signal_id", sig.ID),
	)

	if err := validateURL(wh.URL); err != nil {
		span.RecordError(err)
		return err
	}
	body, err := json.Marshal(sig)
	if err != nil {
		span.RecordError(err)
		return err
	}

	key := "wh:" + sig.ID
	if wh.Replay != nil && wh.ReplayTTL > 0 {
		ok, err := wh.Replay.Acquire(ctx, key, wh.ReplayTTL)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if !ok {
			span.AddEvent("delivery replay prevented")
			return nil
		}
	}

	status, err := wh.deliver(ctx, sig, body)
	if err != nil {
		span.RecordError(err)
		if wh.Replay != nil && wh.ReplayTTL > 0 {
			_ = wh.Replay.Release(ctx, key)
		}
		return err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	return nil
}

func (wh Webhook) deliver(ctx context.Context, sig events.Signal, body []byte) (int, error) {
	now := time.Now
	if wh.Now != nil {
		now = wh.Now
	}
	ts := now().Unix()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "payflow-webhooks/1.0")
	req.Header.Set("X-Event-ID", sig.ID)
	req.Header.Set("X-Event-Topic", sig.Topic)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", ComputeSignature(wh.Secret, ts, sig.ID, body))

	hc := wh.HTTP
	if hc.Client == nil {
		hc.Client = HTTPClient(5 * time.Second)
	}
	if hc.Target == "" {
		hc.Target = "webhook"
	}
	resp, err := hc.Do(ctx, req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &DeliveryError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return resp.StatusCode, nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("webhook url must be http or https")
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	}
	return nil
}

// ComputeSignature calculates the webhook signature for the provided payload. The
// format is HMAC-SHA256 over "<ts>.<eventID>.<body>" using the shared secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPClient returns an HTTP client configured for webhook delivery.
func HTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// ReplayProtector guards against sending duplicate deliveries within a TTL.
type ReplayProtector interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}
