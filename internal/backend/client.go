package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/errand-pay/internal/payment"
	"github.com/noah-isme/errand-pay/internal/resilience"
	"github.com/noah-isme/errand-pay/internal/security"
)

const maxBodyBytes = 4 << 20

// Options configures a Client.
type Options struct {
	BaseURL string
	// HTTP overrides the underlying client. When nil a client with a cookie jar and an
	// otelhttp transport is built.
	HTTP        *http.Client
	Breaker     *resilience.Breaker
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	Jitter      float64
	// Tokens supplies the csrf token; when nil the csrftoken cookie in the jar is used.
	Tokens     security.TokenSource
	CSRFHeader string
	CSRFCookie string
	Logger     zerolog.Logger
}

// Client talks to the marketplace REST API.
type Client struct {
	base       *url.URL
	http       resilience.HTTPClient
	jar        http.CookieJar
	tokens     security.TokenSource
	csrfHeader string
	logger     zerolog.Logger
}

// NewClient validates opts and returns a ready client.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/") + "/")
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend: invalid base url %q", opts.BaseURL)
	}

	hc := opts.HTTP
	if hc == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("backend: cookie jar: %w", err)
		}
		hc = &http.Client{Jar: jar, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	cookieName := opts.CSRFCookie
	if cookieName == "" {
		cookieName = security.DefaultCSRFCookie
	}
	tokens := security.FirstToken{opts.Tokens, security.CookieToken{Jar: hc.Jar, URL: base, Name: cookieName}}

	header := opts.CSRFHeader
	if header == "" {
		header = security.DefaultCSRFHeader
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := opts.Logger.With().Str("component", "backend").Str("target", base.Host).Logger()

	return &Client{
		base: base,
		http: resilience.HTTPClient{
			Client:      hc,
			Breaker:     opts.Breaker,
			Target:      base.Host,
			Logger:      &logger,
			BaseBackoff: opts.BaseBackoff,
			MaxAttempts: opts.MaxAttempts,
			Jitter:      opts.Jitter,
			Timeout:     timeout,
		},
		jar:        hc.Jar,
		tokens:     tokens,
		csrfHeader: header,
		logger:     logger,
	}, nil
}

// HTTPError is a non-2xx answer, or a 2xx answer with success=false.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend returned %d", e.StatusCode)
}

// envelope holds the fields every marketplace response may carry.
type envelope struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (e envelope) failure() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// Prime performs a safe request so the backend can issue its csrf cookie.
func (c *Client) Prime(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodGet, "", nil, nil)
	return err
}

// call performs one request. Transport failures come back as KindTransport errors;
// HTTP level failures are returned as *HTTPError for the caller to classify.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, payload any) (*response, error) {
	target := c.base.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")})
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet && method != http.MethodHead {
		token, err := c.tokens.Token(ctx)
		switch {
		case err == nil:
			req.Header.Set(c.csrfHeader, token)
		case errors.Is(err, security.ErrNoToken):
			c.logger.Warn().Str("path", path).Msg("no csrf token available for mutating call")
		default:
			return nil, fmt.Errorf("csrf token: %w", err)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		c.logger.Debug().Str("method", method).Str("path", path).Err(err).Msg("backend call failed")
		return nil, payment.NewError(payment.KindTransport, transportMessage(err), err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, payment.NewError(payment.KindTransport, "reading backend response failed", err)
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend call")

	out := &response{status: resp.StatusCode, header: resp.Header, body: raw}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &HTTPError{StatusCode: resp.StatusCode, Message: messageFrom(raw)}
	}
	return out, nil
}

// callJSON performs call and decodes the body into dst, treating success=false as a
// failure.
func (c *Client) callJSON(ctx context.Context, method, path string, query url.Values, payload, dst any) (*response, error) {
	resp, err := c.call(ctx, method, path, query, payload)
	if err != nil {
		return resp, err
	}
	var env envelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return resp, &HTTPError{StatusCode: resp.status, Message: "response is not valid JSON"}
	}
	if env.Success != nil && !*env.Success {
		return resp, &HTTPError{StatusCode: resp.status, Message: env.failure()}
	}
	if dst != nil {
		if err := json.Unmarshal(resp.body, dst); err != nil {
			return resp, &HTTPError{StatusCode: resp.status, Message: "unexpected response shape"}
		}
	}
	return resp, nil
}

// classify turns a call error into a payment error of the given kind unless it
// already is one.
func classify(err error, kind payment.Kind, message string) error {
	if err == nil {
		return nil
	}
	if payment.KindOf(err) != "" {
		return err
	}
	var he *HTTPError
	if errors.As(err, &he) && he.Message != "" {
		message = message + ": " + he.Message
	}
	return payment.NewError(kind, message, err)
}

func messageFrom(raw []byte) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil {
		return env.failure()
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

func transportMessage(err error) string {
	switch {
	case errors.Is(err, resilience.ErrOpenCircuit):
		return "backend temporarily unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "backend call timed out"
	case errors.Is(err, context.Canceled):
		return "backend call cancelled"
	default:
		return "network error while contacting the backend"
	}
}

// ChatAccess is the answer of the chat access probe.
type ChatAccess struct {
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason"`
	PaymentRequired bool   `json:"payment_required"`
}

// CheckChat asks whether the chat of a subject is unlocked.
func (c *Client) CheckChat(ctx context.Context, subjectID string) (ChatAccess, error) {
	var access ChatAccess
	_, err := c.callJSON(ctx, http.MethodGet, "api/check-chat/"+url.PathEscape(subjectID)+"/", nil, nil, &access)
	if err != nil {
		return ChatAccess{}, classify(err, payment.KindTransport, "chat access check failed")
	}
	return access, nil
}

// CompleteTaskPayment opens (paymongo) or records (cod) a task payment and returns its id.
func (c *Client) CompleteTaskPayment(ctx context.Context, subjectID, method string) (string, error) {
	var out struct {
		PaymentID flexString `json:"payment_id"`
	}
	_, err := c.callJSON(ctx, http.MethodPost, "api/complete-task-payment/"+url.PathEscape(subjectID)+"/", nil,
		map[string]string{"payment_method": method}, &out)
	if err != nil {
		return "", classify(err, payment.KindIntentCreation, "could not start the task payment")
	}
	if out.PaymentID == "" {
		return "", payment.NewError(payment.KindSchemaMismatch, "task payment response has no payment_id", nil)
	}
	return string(out.PaymentID), nil
}

// CreateTaskGCashPayment creates the gateway checkout for a task payment.
func (c *Client) CreateTaskGCashPayment(ctx context.Context, paymentID string) (payment.Source, error) {
	var out struct {
		CheckoutURL string `json:"checkout_url"`
		SourceID    string `json:"source_id"`
	}
	_, err := c.callJSON(ctx, http.MethodPost, "api/create-task-gcash-payment/", nil,
		map[string]string{"payment_id": paymentID}, &out)
	if err != nil {
		return payment.Source{}, classify(err, payment.KindSourceCreation, "could not create the GCash checkout")
	}
	if out.CheckoutURL == "" {
		return payment.Source{}, payment.NewError(payment.KindSourceCreation, "GCash checkout response has no checkout_url", nil)
	}
	id := out.SourceID
	if id == "" {
		id = paymentID
	}
	return payment.Source{ID: id, CheckoutURL: out.CheckoutURL}, nil
}

// CreatePaymentIntent creates the fee intent and returns the raw body, whose layout
// varies between backend versions.
func (c *Client) CreatePaymentIntent(ctx context.Context, subjectID, method string) ([]byte, error) {
	resp, err := c.callJSON(ctx, http.MethodPost, "api/create-payment-intent/", nil,
		map[string]string{"task_id": subjectID, "payment_method": method}, nil)
	if err != nil {
		return nil, classify(err, payment.KindIntentCreation, "could not create the payment intent")
	}
	return resp.body, nil
}

// CreateSource creates a gcash or card checkout for a fee intent.
func (c *Client) CreateSource(ctx context.Context, method payment.Method, subjectID, clientKey string) (payment.Source, error) {
	path := "api/create-gcash-payment/"
	if method == payment.MethodCard {
		path = "api/create-card-payment/"
	}
	var out struct {
		CheckoutURL string `json:"checkout_url"`
		IsCardForm  bool   `json:"is_card_form"`
		SourceID    string `json:"source_id"`
	}
	_, err := c.callJSON(ctx, http.MethodPost, path, nil,
		map[string]string{"task_id": subjectID, "client_key": clientKey}, &out)
	if err != nil {
		return payment.Source{}, classify(err, payment.KindSourceCreation, "could not create the checkout")
	}
	if out.CheckoutURL == "" {
		return payment.Source{}, payment.NewError(payment.KindSourceCreation, "checkout response has no checkout_url", nil)
	}
	return payment.Source{ID: out.SourceID, CheckoutURL: out.CheckoutURL, IsFormRedirect: out.IsCardForm}, nil
}

// PaymentStatus returns the raw status string of a payment.
func (c *Client) PaymentStatus(ctx context.Context, paymentID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	_, err := c.callJSON(ctx, http.MethodGet, "api/check-payment-status/", url.Values{"payment_id": {paymentID}}, nil, &out)
	if err != nil {
		return "", classify(err, payment.KindTransport, "payment status check failed")
	}
	return out.Status, nil
}

// PaymentRecord is the payment shown on the payments dashboard.
type PaymentRecord struct {
	ID              flexString `json:"id"`
	TaskTitle       string     `json:"task_title"`
	TaskLocation    string     `json:"task_location"`
	Amount          flexString `json:"amount"`
	Method          string     `json:"method"`
	Status          string     `json:"status"`
	StatusDisplay   string     `json:"status_display"`
	CreatedAt       string     `json:"created_at"`
	PaymongoID      string     `json:"paymongo_id"`
	ReferenceNumber string     `json:"reference_number"`
}

// PaymentDetails fetches one payment record.
func (c *Client) PaymentDetails(ctx context.Context, paymentID string) (PaymentRecord, error) {
	var out struct {
		Payment *PaymentRecord `json:"payment"`
	}
	_, err := c.callJSON(ctx, http.MethodGet, "api/payment-details/"+url.PathEscape(paymentID)+"/", nil, nil, &out)
	if err != nil {
		return PaymentRecord{}, classify(err, payment.KindTransport, "could not load payment details")
	}
	if out.Payment == nil {
		return PaymentRecord{}, payment.NewError(payment.KindSchemaMismatch, "payment details response has no payment", nil)
	}
	return *out.Payment, nil
}

// Receipt is a downloaded receipt file.
type Receipt struct {
	Filename    string
	ContentType string
	Body        []byte
}

// DownloadReceipt fetches the receipt attachment of a payment.
func (c *Client) DownloadReceipt(ctx context.Context, paymentID string) (Receipt, error) {
	resp, err := c.call(ctx, http.MethodGet, "api/download-receipt/"+url.PathEscape(paymentID)+"/", nil, nil)
	if err != nil {
		return Receipt{}, classify(err, payment.KindTransport, "could not download the receipt")
	}
	filename := "receipt_" + paymentID + ".txt"
	if _, params, err := mime.ParseMediaType(resp.header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		filename = params["filename"]
	}
	return Receipt{Filename: filename, ContentType: resp.header.Get("Content-Type"), Body: resp.body}, nil
}

// flexString accepts a JSON string or number; the backend serialises ids and
// decimals either way depending on the endpoint.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
