package sandbox_test

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/errand-pay/internal/backend"
	"github.com/noah-isme/errand-pay/internal/channel"
	"github.com/noah-isme/errand-pay/internal/events"
	"github.com/noah-isme/errand-pay/internal/payment"
	"github.com/noah-isme/errand-pay/internal/ratelimit"
	"github.com/noah-isme/errand-pay/internal/sandbox"
	"github.com/noah-isme/errand-pay/internal/workflow"
)

func startSandbox(t *testing.T, cfg sandbox.Config) (*httptest.Server, *sandbox.Store) {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = sandbox.NewStore(decimal.NewFromInt(500))
	}
	cfg.Logger = zerolog.Nop()
	srv := httptest.NewServer(sandbox.NewRouter(cfg))
	t.Cleanup(srv.Close)
	return srv, cfg.Store
}

func newBackend(t *testing.T, srv *httptest.Server) *backend.Client {
	t.Helper()
	c, err := backend.NewClient(backend.Options{BaseURL: srv.URL, Timeout: 2 * time.Second, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, c.Prime(context.Background()))
	return c
}

// payer acts as the person in the checkout window.
type payer struct {
	client *http.Client
	base   *url.URL
}

func newPayer(t *testing.T, srv *httptest.Server) *payer {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	p := &payer{client: &http.Client{Jar: jar}, base: base}
	resp, err := p.client.Get(srv.URL + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	return p
}

func (p *payer) token() string {
	for _, c := range p.client.Jar.Cookies(p.base) {
		if c.Name == "csrftoken" {
			return c.Value
		}
	}
	return ""
}

func (p *payer) post(target string, withToken bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, target, nil)
	if err != nil {
		return nil, err
	}
	if withToken {
		req.Header.Set("X-CSRFToken", p.token())
	}
	return p.client.Do(req)
}

type windowHandle struct{ closed atomic.Bool }

func (h *windowHandle) Closed() bool { return h.closed.Load() }
func (h *windowHandle) Close() error { h.closed.Store(true); return nil }

// payingOpener completes the checkout with action and then closes the window.
func payingOpener(p *payer, action string) channel.Opener {
	return channel.OpenerFunc(func(ctx context.Context, checkoutURL string) (channel.Handle, error) {
		h := &windowHandle{}
		go func() {
			if resp, err := p.post(checkoutURL+"/"+action, true); err == nil {
				_ = resp.Body.Close()
			}
			h.closed.Store(true)
		}()
		return h, nil
	})
}

func newCheckout(t *testing.T, provider payment.Provider, opener channel.Opener, unlockChat bool) (*workflow.Workflow, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	wf, err := workflow.New(workflow.Deps{
		Provider: provider,
		Opener:   opener,
		Bus:      events.NewBus(nil, rec),
		Logger:   zerolog.Nop(),
	}, workflow.Options{
		PollInterval:        5 * time.Millisecond,
		Grace:               5 * time.Millisecond,
		Ceiling:             2 * time.Second,
		CallTimeout:         2 * time.Second,
		UnlockChatOnConfirm: unlockChat,
	})
	require.NoError(t, err)
	return wf, rec
}

func TestIntentShapesYieldSameFields(t *testing.T) {
	for _, shape := range []string{sandbox.ShapeRoot, sandbox.ShapeData, sandbox.ShapeAttributes} {
		t.Run(shape, func(t *testing.T) {
			srv, _ := startSandbox(t, sandbox.Config{IntentShape: shape})
			flow := backend.FeeFlow{Client: newBackend(t, srv)}
			req := payment.Request{SubjectID: "task-1", Method: payment.MethodGCash}

			intent, err := flow.CreateIntent(context.Background(), req)
			require.NoError(t, err)
			require.True(t, strings.HasPrefix(intent.ID, "pi_"))
			require.True(t, strings.HasPrefix(intent.ClientSecret, intent.ID+"_client_"))

			src, err := flow.CreateSource(context.Background(), req, intent)
			require.NoError(t, err)
			require.Equal(t, srv.URL+"/sandbox/checkout/"+src.ID, src.CheckoutURL)
		})
	}
}

func TestFeeCheckoutUnlocksChat(t *testing.T) {
	srv, store := startSandbox(t, sandbox.Config{})
	client := newBackend(t, srv)
	wf, rec := newCheckout(t, backend.FeeFlow{Client: client}, payingOpener(newPayer(t, srv), "confirm"), true)

	access, err := client.CheckChat(context.Background(), "task-2")
	require.NoError(t, err)
	require.False(t, access.Allowed)
	require.True(t, access.PaymentRequired)
	require.Contains(t, access.Reason, "₱2.00")

	out, err := wf.Run(context.Background(), payment.Request{SubjectID: "task-2", Amount: 200, Method: payment.MethodGCash})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeConfirmed, out.Kind)
	require.True(t, store.Task("task-2").ChatUnlocked)
	require.Equal(t, 1, rec.Count(events.TopicChatUnlocked))
	require.Equal(t, 1, rec.Count(events.TopicUIRefresh))
}

func TestFeeCardIsFormRedirect(t *testing.T) {
	srv, _ := startSandbox(t, sandbox.Config{})
	wf, rec := newCheckout(t, backend.FeeFlow{Client: newBackend(t, srv)}, nil, true)

	out, err := wf.Run(context.Background(), payment.Request{SubjectID: "task-3", Amount: 200, Method: payment.MethodCard})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeRedirect, out.Kind)
	require.True(t, strings.HasPrefix(out.CheckoutURL, srv.URL+"/sandbox/checkout/src_"))
	require.Equal(t, 1, rec.Count(events.TopicCheckoutNavigate))
}

func TestTaskCheckoutDeclined(t *testing.T) {
	srv, _ := startSandbox(t, sandbox.Config{})
	wf, rec := newCheckout(t, backend.TaskFlow{Client: newBackend(t, srv)}, payingOpener(newPayer(t, srv), "fail"), false)

	out, err := wf.Run(context.Background(), payment.Request{SubjectID: "task-4", Amount: 55000, Method: payment.MethodGCash})
	require.ErrorIs(t, err, payment.ErrDeclined)
	require.Equal(t, workflow.StateFailed, out.State)
	require.Equal(t, 1, rec.Count(events.TopicPaymentFailed))
}

func TestTaskCheckoutConfirmedWithReceipt(t *testing.T) {
	srv, _ := startSandbox(t, sandbox.Config{})
	client := newBackend(t, srv)
	wf, _ := newCheckout(t, backend.TaskFlow{Client: client}, payingOpener(newPayer(t, srv), "confirm"), false)

	out, err := wf.Run(context.Background(), payment.Request{SubjectID: "task-5", Amount: 55000, Method: payment.MethodGCash})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeConfirmed, out.Kind)

	record, err := client.PaymentDetails(context.Background(), out.Intent.ID)
	require.NoError(t, err)
	require.Equal(t, "550.00", string(record.Amount))
	require.Equal(t, "confirmed", record.Status)

	receipt, err := client.DownloadReceipt(context.Background(), out.Intent.ID)
	require.NoError(t, err)
	require.Equal(t, "receipt_"+out.Intent.ID+".txt", receipt.Filename)
	require.Contains(t, string(receipt.Body), "Service Fee: ₱50.00")
	require.Contains(t, string(receipt.Body), "Amount: ₱550.00")
}

func TestTaskCashStaysPending(t *testing.T) {
	srv, _ := startSandbox(t, sandbox.Config{})
	var opened atomic.Bool
	opener := channel.OpenerFunc(func(context.Context, string) (channel.Handle, error) {
		opened.Store(true)
		return &windowHandle{}, nil
	})
	wf, _ := newCheckout(t, backend.TaskFlow{Client: newBackend(t, srv)}, opener, false)

	out, err := wf.Run(context.Background(), payment.Request{SubjectID: "task-6", Amount: 55000, Method: payment.MethodCOD})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomePending, out.Kind)
	require.True(t, out.Intent.Settled)
	require.False(t, opened.Load())
}

func TestMutatingRequestsNeedCSRF(t *testing.T) {
	srv, _ := startSandbox(t, sandbox.Config{})
	p := newPayer(t, srv)

	resp, err := p.post(srv.URL+"/sandbox/tasks/task-7/unlock", false)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = p.post(srv.URL+"/sandbox/tasks/task-7/unlock", true)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSettleTwiceConflicts(t *testing.T) {
	srv, store := startSandbox(t, sandbox.Config{})
	p := newPayer(t, srv)
	pay := store.CreateTaskPayment("task-8", "gcash", decimal.NewFromInt(110))

	resp, err := p.post(srv.URL+"/sandbox/payments/"+pay.ID+"/confirm", true)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = p.post(srv.URL+"/sandbox/payments/"+pay.ID+"/fail", true)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = p.post(srv.URL+"/sandbox/payments/"+pay.ID+"/refund", true)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheckoutPageEmbedsToken(t *testing.T) {
	srv, store := startSandbox(t, sandbox.Config{})
	p := newPayer(t, srv)
	intent := store.CreateFeeIntent("task-9", "gcash", decimal.NewFromInt(2))
	pay, err := store.AttachSource(intent.ID)
	require.NoError(t, err)

	resp, err := p.client.Get(srv.URL + "/sandbox/checkout/" + pay.SourceID)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	require.Contains(t, string(body), `value="`+p.token()+`"`)
	require.Contains(t, string(body), "₱2.00")

	form := url.Values{"csrfmiddlewaretoken": {p.token()}}
	resp, err = p.client.PostForm(srv.URL+"/sandbox/checkout/"+pay.SourceID+"/confirm", form)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, store.Task("task-9").ChatUnlocked)
}

func TestPaymentCreationIsThrottled(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	srv, _ := startSandbox(t, sandbox.Config{RateLimit: ratelimit.Window{Client: rdb, Size: time.Minute, Max: 1}})
	flow := backend.FeeFlow{Client: newBackend(t, srv)}
	req := payment.Request{SubjectID: "task-10", Method: payment.MethodGCash}

	_, err := flow.CreateIntent(context.Background(), req)
	require.NoError(t, err)
	_, err = flow.CreateIntent(context.Background(), req)
	require.ErrorIs(t, err, payment.ErrIntentCreation)
	require.Contains(t, payment.Message(err), "Too many payment attempts")
}

func TestPaymentStatusRequiresID(t *testing.T) {
	srv, _ := startSandbox(t, sandbox.Config{})
	resp, err := http.Get(srv.URL + "/api/check-payment-status/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err = newBackend(t, srv).PaymentStatus(context.Background(), "999999")
	require.Error(t, err)
}
