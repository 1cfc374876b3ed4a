package workflow_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/errand-pay/internal/channel"
	"github.com/noah-isme/errand-pay/internal/events"
	"github.com/noah-isme/errand-pay/internal/lock"
	"github.com/noah-isme/errand-pay/internal/payment"
	"github.com/noah-isme/errand-pay/internal/workflow"
)

type fakeProvider struct {
	mu          sync.Mutex
	intent      payment.Intent
	intentErr   error
	source      payment.Source
	sourceErr   error
	status      payment.Status
	statusErr   error
	// callDelay slows the intent and source calls down.
	callDelay   time.Duration
	intentCalls int
	sourceCalls int
	cashCalls   int
	statusCalls int
}

func (p *fakeProvider) Flow() string { return "fake" }

func (p *fakeProvider) CreateIntent(ctx context.Context, req payment.Request) (payment.Intent, error) {
	if err := p.wait(ctx); err != nil {
		return payment.Intent{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intentCalls++
	return p.intent, p.intentErr
}

func (p *fakeProvider) CreateSource(ctx context.Context, req payment.Request, intent payment.Intent) (payment.Source, error) {
	if err := p.wait(ctx); err != nil {
		return payment.Source{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sourceCalls++
	return p.source, p.sourceErr
}

func (p *fakeProvider) RecordOffline(ctx context.Context, req payment.Request) (payment.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cashCalls++
	return payment.Intent{ID: "cash_" + req.SubjectID}, nil
}

func (p *fakeProvider) Status(ctx context.Context, req payment.Request, intent payment.Intent) (payment.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusCalls++
	return p.status, p.statusErr
}

func (p *fakeProvider) wait(ctx context.Context) error {
	if p.callDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.callDelay):
		return nil
	}
}

func (p *fakeProvider) statusCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusCalls
}

type fakeHandle struct {
	closed atomic.Bool
	closes atomic.Int32
}

func (h *fakeHandle) Closed() bool { return h.closed.Load() }

func (h *fakeHandle) Close() error {
	h.closes.Add(1)
	h.closed.Store(true)
	return nil
}

type fakeOpener struct {
	opens   atomic.Int32
	err     error
	closeIn time.Duration
	last    atomic.Pointer[fakeHandle]
}

func (o *fakeOpener) Open(ctx context.Context, checkoutURL string) (channel.Handle, error) {
	o.opens.Add(1)
	if o.err != nil {
		return nil, o.err
	}
	h := &fakeHandle{}
	o.last.Store(h)
	if o.closeIn > 0 {
		time.AfterFunc(o.closeIn, func() { h.closed.Store(true) })
	}
	return h, nil
}

func gatewayProvider(status payment.Status) *fakeProvider {
	return &fakeProvider{
		intent: payment.Intent{ID: "pi_1", ClientSecret: "pk_1"},
		source: payment.Source{ID: "src_1", CheckoutURL: "https://pay.example/checkout/src_1"},
		status: status,
	}
}

func fastOptions() workflow.Options {
	return workflow.Options{
		PollInterval: 2 * time.Millisecond,
		Grace:        time.Millisecond,
		Ceiling:      time.Second,
		CallTimeout:  time.Second,
	}
}

func newWorkflow(t *testing.T, p payment.Provider, o channel.Opener, opts workflow.Options) (*workflow.Workflow, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	wf, err := workflow.New(workflow.Deps{
		Provider: p,
		Opener:   o,
		Bus:      events.NewBus(nil, rec),
		Logger:   zerolog.Nop(),
	}, opts)
	require.NoError(t, err)
	return wf, rec
}

func request(subject string, method payment.Method) payment.Request {
	return payment.Request{SubjectID: subject, Amount: 15000, Method: method}
}

func sessionTopics(rec *events.Recorder, sessionID string) []string {
	var topics []string
	for _, sig := range rec.Signals() {
		if sig.SessionID == sessionID {
			topics = append(topics, sig.Topic)
		}
	}
	return topics
}

func TestNewRequiresProviderAndBus(t *testing.T) {
	_, err := workflow.New(workflow.Deps{Bus: events.NewBus(nil)}, workflow.Options{})
	require.Error(t, err)
	_, err = workflow.New(workflow.Deps{Provider: &fakeProvider{}}, workflow.Options{})
	require.Error(t, err)
}

func TestRunGCashConfirmed(t *testing.T) {
	p := gatewayProvider(payment.StatusConfirmed)
	opener := &fakeOpener{closeIn: 10 * time.Millisecond}
	opts := fastOptions()
	opts.UnlockChatOnConfirm = true
	wf, rec := newWorkflow(t, p, opener, opts)

	out, err := wf.Run(context.Background(), request("task-1", payment.MethodGCash))
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeConfirmed, out.Kind)
	require.Equal(t, workflow.StateConfirmed, out.State)
	require.Equal(t, "pi_1", out.Intent.ID)
	require.Equal(t, "task-1", out.SubjectID)
	require.NotEmpty(t, out.SessionID)

	require.Equal(t, int32(1), opener.opens.Load())
	require.Equal(t, 1, p.statusCount())
	require.Equal(t, 1, rec.Count(events.TopicCheckoutOpened))
	require.Equal(t, 1, rec.Count(events.TopicCheckoutClosed))
	require.Equal(t, 1, rec.Count(events.TopicPaymentConfirmed))
	require.Equal(t, 1, rec.Count(events.TopicChatUnlocked))
	require.Equal(t, 1, rec.Count(events.TopicUIRefresh))
	require.Equal(t, 0, rec.Count(events.TopicPaymentFailed))
	// create_intent, create_source and check_status each emit busy on and off.
	require.Equal(t, 6, rec.Count(events.TopicUIBusy))

	for _, sig := range rec.Signals() {
		if sig.Topic == events.TopicCheckoutClosed {
			var payload struct {
				Forced bool `json:"forced"`
			}
			require.NoError(t, sig.Decode(&payload))
			require.False(t, payload.Forced)
		}
	}

	_, active := wf.Active("task-1")
	require.False(t, active)
}

func TestRunPendingLeavesSessionPolling(t *testing.T) {
	p := gatewayProvider(payment.StatusPending)
	wf, rec := newWorkflow(t, p, &fakeOpener{closeIn: 5 * time.Millisecond}, fastOptions())

	out, err := wf.Run(context.Background(), request("task-2", payment.MethodGCash))
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomePending, out.Kind)
	require.Equal(t, workflow.StatePollingStatus, out.State)
	require.Equal(t, 1, rec.Count(events.TopicPaymentPending))
	require.Equal(t, 0, rec.Count(events.TopicPaymentConfirmed))
	require.Equal(t, 0, rec.Count(events.TopicPaymentFailed))
}

func TestRunDeclinedPayment(t *testing.T) {
	p := gatewayProvider(payment.StatusFailed)
	wf, rec := newWorkflow(t, p, &fakeOpener{closeIn: 5 * time.Millisecond}, fastOptions())

	out, err := wf.Run(context.Background(), request("task-3", payment.MethodGCash))
	require.ErrorIs(t, err, payment.ErrDeclined)
	require.Equal(t, workflow.OutcomeFailed, out.Kind)
	require.Equal(t, workflow.StateFailed, out.State)
	require.Equal(t, 1, rec.Count(events.TopicPaymentFailed))
}

func TestRunCeilingForcesCloseAndTimesOut(t *testing.T) {
	p := gatewayProvider(payment.StatusPending)
	opener := &fakeOpener{}
	opts := fastOptions()
	opts.Ceiling = 20 * time.Millisecond
	wf, rec := newWorkflow(t, p, opener, opts)

	out, err := wf.Run(context.Background(), request("task-4", payment.MethodGCash))
	require.ErrorIs(t, err, payment.ErrTimeout)
	require.Equal(t, workflow.OutcomeFailed, out.Kind)
	require.Equal(t, workflow.StateFailed, out.State)

	h := opener.last.Load()
	require.NotNil(t, h)
	require.True(t, h.Closed())
	require.GreaterOrEqual(t, h.closes.Load(), int32(1))

	var forced bool
	for _, sig := range rec.Signals() {
		if sig.Topic == events.TopicCheckoutClosed {
			var payload struct {
				Forced bool `json:"forced"`
			}
			require.NoError(t, sig.Decode(&payload))
			forced = payload.Forced
		}
	}
	require.True(t, forced)
	require.Equal(t, 1, rec.Count(events.TopicPaymentFailed))

	// no late check after the run returns
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, p.statusCount())
}

func TestRunSlowSetupStillConfirms(t *testing.T) {
	p := gatewayProvider(payment.StatusConfirmed)
	p.callDelay = 30 * time.Millisecond
	opener := &fakeOpener{closeIn: 40 * time.Millisecond}
	opts := fastOptions()
	opts.Ceiling = 50 * time.Millisecond
	opts.CallTimeout = 40 * time.Millisecond
	wf, rec := newWorkflow(t, p, opener, opts)

	out, err := wf.Run(context.Background(), request("task-slow", payment.MethodGCash))
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeConfirmed, out.Kind)
	require.Equal(t, 1, p.statusCount())
	require.Equal(t, 1, rec.Count(events.TopicPaymentConfirmed))
}

func TestRunCashNeverOpensChannel(t *testing.T) {
	p := &fakeProvider{status: payment.StatusPending}
	opener := &fakeOpener{}
	wf, rec := newWorkflow(t, p, opener, fastOptions())

	out, err := wf.Run(context.Background(), request("task-5", payment.MethodCOD))
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomePending, out.Kind)
	require.Equal(t, workflow.StatePollingStatus, out.State)
	require.True(t, out.Intent.Settled)
	require.Equal(t, int32(0), opener.opens.Load())
	require.Equal(t, 1, p.cashCalls)
	require.Zero(t, p.intentCalls)
	require.Zero(t, rec.Count(events.TopicCheckoutOpened))
}

func TestRunCardFormRedirect(t *testing.T) {
	p := &fakeProvider{intent: payment.Intent{Redirect: &payment.Source{
		CheckoutURL:    "https://pay.example/card/form",
		IsFormRedirect: true,
	}}}
	opener := &fakeOpener{}
	wf, rec := newWorkflow(t, p, opener, fastOptions())

	out, err := wf.Run(context.Background(), request("task-6", payment.MethodCard))
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeRedirect, out.Kind)
	require.Equal(t, "https://pay.example/card/form", out.CheckoutURL)
	require.Equal(t, workflow.StateSourceCreated, out.State)
	require.Zero(t, p.sourceCalls)
	require.Zero(t, p.statusCount())
	require.Equal(t, int32(0), opener.opens.Load())
	require.Equal(t, 1, rec.Count(events.TopicCheckoutNavigate))
}

func TestRunChannelBlocked(t *testing.T) {
	p := gatewayProvider(payment.StatusConfirmed)
	wf, rec := newWorkflow(t, p, &fakeOpener{err: channel.ErrBlocked}, fastOptions())

	out, err := wf.Run(context.Background(), request("task-7", payment.MethodGCash))
	require.ErrorIs(t, err, payment.ErrChannelBlocked)
	require.ErrorIs(t, err, channel.ErrBlocked)
	require.Equal(t, workflow.StateFailed, out.State)
	require.Zero(t, p.statusCount())
	require.Equal(t, 1, rec.Count(events.TopicPaymentFailed))
}

func TestRunWithoutOpenerIsBlocked(t *testing.T) {
	wf, _ := newWorkflow(t, gatewayProvider(payment.StatusConfirmed), nil, fastOptions())
	_, err := wf.Run(context.Background(), request("task-8", payment.MethodGCash))
	require.ErrorIs(t, err, payment.ErrChannelBlocked)
}

func TestRunIntentCreationFailure(t *testing.T) {
	p := &fakeProvider{intentErr: errors.New("boom")}
	wf, rec := newWorkflow(t, p, &fakeOpener{}, fastOptions())

	out, err := wf.Run(context.Background(), request("task-9", payment.MethodGCash))
	require.ErrorIs(t, err, payment.ErrIntentCreation)
	require.Equal(t, workflow.StateFailed, out.State)
	require.Zero(t, p.sourceCalls)

	var kinds []string
	for _, sig := range rec.Signals() {
		if sig.Topic == events.TopicPaymentFailed {
			var payload struct {
				Kind string `json:"kind"`
			}
			require.NoError(t, sig.Decode(&payload))
			kinds = append(kinds, payload.Kind)
		}
	}
	require.Equal(t, []string{"intent_creation"}, kinds)
}

func TestRunSourceCreationFailure(t *testing.T) {
	p := gatewayProvider(payment.StatusConfirmed)
	p.sourceErr = errors.New("gateway down")
	wf, _ := newWorkflow(t, p, &fakeOpener{}, fastOptions())

	_, err := wf.Run(context.Background(), request("task-10", payment.MethodGCash))
	require.ErrorIs(t, err, payment.ErrSourceCreation)
}

func TestRunStatusErrorIsTransport(t *testing.T) {
	p := gatewayProvider(payment.StatusPending)
	p.statusErr = errors.New("connection reset")
	wf, _ := newWorkflow(t, p, &fakeOpener{closeIn: 5 * time.Millisecond}, fastOptions())

	_, err := wf.Run(context.Background(), request("task-11", payment.MethodGCash))
	require.ErrorIs(t, err, payment.ErrTransport)
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	p := gatewayProvider(payment.StatusConfirmed)
	wf, rec := newWorkflow(t, p, &fakeOpener{}, fastOptions())

	out, err := wf.Run(context.Background(), payment.Request{Method: payment.MethodGCash})
	require.ErrorIs(t, err, payment.ErrInvalidRequest)
	require.Equal(t, workflow.StateInit, out.State)
	require.Empty(t, rec.Signals())
	require.Zero(t, p.intentCalls)
}

func TestNewRunSupersedesPrevious(t *testing.T) {
	p := gatewayProvider(payment.StatusConfirmed)
	first := &fakeOpener{}
	var opens atomic.Int32
	opener := channel.OpenerFunc(func(ctx context.Context, url string) (channel.Handle, error) {
		if opens.Add(1) == 1 {
			return first.Open(ctx, url)
		}
		return (&fakeOpener{closeIn: 5 * time.Millisecond}).Open(ctx, url)
	})
	wf, rec := newWorkflow(t, p, opener, fastOptions())

	type result struct {
		out workflow.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := wf.Run(context.Background(), request("task-12", payment.MethodGCash))
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool {
		snap, ok := wf.Active("task-12")
		return ok && snap.State == workflow.StateAwaitingExternal
	}, time.Second, 2*time.Millisecond)
	oldSnap, _ := wf.Active("task-12")

	out, err := wf.Run(context.Background(), request("task-12", payment.MethodGCash))
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeConfirmed, out.Kind)
	require.NotEqual(t, oldSnap.ID, out.SessionID)

	var old result
	select {
	case old = <-done:
	case <-time.After(time.Second):
		t.Fatal("superseded run did not return")
	}
	require.ErrorIs(t, old.err, payment.ErrSuperseded)
	require.Equal(t, workflow.OutcomeFailed, old.out.Kind)

	require.True(t, first.last.Load().Closed())
	require.Equal(t, 1, p.statusCount())
	for _, topic := range sessionTopics(rec, oldSnap.ID) {
		require.NotContains(t, []string{
			events.TopicCheckoutClosed,
			events.TopicPaymentConfirmed,
			events.TopicPaymentFailed,
			events.TopicPaymentPending,
		}, topic)
	}
	require.Equal(t, 1, rec.Count(events.TopicPaymentConfirmed))
}

func TestCancelSilencesSession(t *testing.T) {
	p := gatewayProvider(payment.StatusConfirmed)
	wf, rec := newWorkflow(t, p, &fakeOpener{}, fastOptions())

	done := make(chan error, 1)
	go func() {
		_, err := wf.Run(context.Background(), request("task-13", payment.MethodGCash))
		done <- err
	}()
	require.Eventually(t, func() bool {
		snap, ok := wf.Active("task-13")
		return ok && snap.State == workflow.StateAwaitingExternal
	}, time.Second, 2*time.Millisecond)

	require.True(t, wf.Cancel("task-13"))
	select {
	case err := <-done:
		require.ErrorIs(t, err, workflow.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("cancelled run did not return")
	}
	require.False(t, wf.Cancel("task-13"))
	require.Zero(t, rec.Count(events.TopicPaymentFailed))
	require.Zero(t, rec.Count(events.TopicCheckoutClosed))
	require.Zero(t, p.statusCount())
}

func TestRunStopsWhenCallerGoesAway(t *testing.T) {
	p := gatewayProvider(payment.StatusConfirmed)
	wf, rec := newWorkflow(t, p, &fakeOpener{}, fastOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := wf.Run(ctx, request("task-14", payment.MethodGCash))
	require.Error(t, err)
	require.Zero(t, rec.Count(events.TopicPaymentFailed))
	require.Zero(t, p.statusCount())
}

func TestResumeChecksStatusOnce(t *testing.T) {
	p := gatewayProvider(payment.StatusConfirmed)
	opts := fastOptions()
	opts.RedirectCheckDelay = 5 * time.Millisecond
	wf, rec := newWorkflow(t, p, nil, opts)

	out, err := wf.Resume(context.Background(), request("task-15", payment.MethodCard), payment.Intent{ID: "pi_9"})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeConfirmed, out.Kind)
	require.Equal(t, "pi_9", out.Intent.ID)
	require.Equal(t, 1, p.statusCount())
	require.Equal(t, 1, rec.Count(events.TopicUIRefresh))
	require.Zero(t, rec.Count(events.TopicChatUnlocked))
}

func TestLeaseSupersedesAcrossWorkflows(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	lease := lock.Lease{R: rdb, TTL: time.Minute}

	release := make(chan struct{})
	oldHandle := &fakeHandle{}
	oldOpener := channel.OpenerFunc(func(context.Context, string) (channel.Handle, error) {
		go func() {
			<-release
			oldHandle.closed.Store(true)
		}()
		return oldHandle, nil
	})

	rec := &events.Recorder{}
	bus := events.NewBus(nil, rec)
	older, err := workflow.New(workflow.Deps{
		Provider: gatewayProvider(payment.StatusConfirmed),
		Opener:   oldOpener,
		Bus:      bus,
		Lease:    lease,
		Logger:   zerolog.Nop(),
	}, fastOptions())
	require.NoError(t, err)
	newer, err := workflow.New(workflow.Deps{
		Provider: gatewayProvider(payment.StatusPending),
		Opener:   &fakeOpener{closeIn: 5 * time.Millisecond},
		Bus:      bus,
		Lease:    lease,
		Logger:   zerolog.Nop(),
	}, fastOptions())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := older.Run(context.Background(), request("task-16", payment.MethodGCash))
		done <- err
	}()
	require.Eventually(t, func() bool {
		snap, ok := older.Active("task-16")
		return ok && snap.State == workflow.StateAwaitingExternal
	}, time.Second, 2*time.Millisecond)

	out, err := newer.Run(context.Background(), request("task-16", payment.MethodGCash))
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomePending, out.Kind)

	close(release)
	select {
	case err := <-done:
		require.ErrorIs(t, err, payment.ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("older run did not return")
	}
	require.Zero(t, rec.Count(events.TopicPaymentConfirmed))
}

func TestLeaseUnavailableFailsRun(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	rec := &events.Recorder{}
	wf, err := workflow.New(workflow.Deps{
		Provider: gatewayProvider(payment.StatusConfirmed),
		Opener:   &fakeOpener{},
		Bus:      events.NewBus(nil, rec),
		Lease:    lock.Lease{R: rdb},
		Logger:   zerolog.Nop(),
	}, fastOptions())
	require.NoError(t, err)

	_, err = wf.Run(context.Background(), request("task-17", payment.MethodGCash))
	require.ErrorIs(t, err, payment.ErrTransport)
	require.Empty(t, rec.Signals())
}
