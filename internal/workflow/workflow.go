package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/errand-pay/internal/channel"
	"github.com/noah-isme/errand-pay/internal/events"
	"github.com/noah-isme/errand-pay/internal/obs"
	"github.com/noah-isme/errand-pay/internal/payment"
)

// ErrCancelled is the cause of a session abandoned through Cancel.
var ErrCancelled = errors.New("workflow: checkout cancelled")

var (
	errSuperseded = payment.NewError(payment.KindSuperseded, "a newer checkout for this task replaced this one", nil)
	errDeclined   = payment.NewError(payment.KindDeclined, "the payment was declined or cancelled", nil)
)

const timeoutMessage = "the checkout timed out before the payment was confirmed"

// Leaser extends supersession across processes. lock.Lease implements it.
type Leaser interface {
	Acquire(ctx context.Context, subjectID, sessionID string) (string, error)
	Holds(ctx context.Context, subjectID, sessionID string) (bool, error)
	Release(ctx context.Context, subjectID, sessionID string) error
}

// Options tunes the timers of a workflow.
type Options struct {
	// PollInterval is how often the external channel is checked for closure.
	PollInterval time.Duration
	// Grace is waited after the payer closes the channel, giving the backend time to
	// process the gateway webhook.
	Grace time.Duration
	// Ceiling bounds how long the external channel may stay open.
	Ceiling time.Duration
	// CallTimeout bounds each backend call.
	CallTimeout time.Duration
	// RedirectCheckDelay is waited by Resume before probing the status.
	RedirectCheckDelay time.Duration
	// UnlockChatOnConfirm adds a chat.unlocked signal to a confirmation.
	UnlockChatOnConfirm bool
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Grace < 0 {
		o.Grace = 0
	}
	if o.Ceiling <= 0 {
		o.Ceiling = 5 * time.Minute
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 15 * time.Second
	}
	if o.RedirectCheckDelay < 0 {
		o.RedirectCheckDelay = 0
	}
	return o
}

// Deps are the collaborators of a workflow. Provider and Bus are required.
type Deps struct {
	Provider payment.Provider
	Opener   channel.Opener
	Bus      *events.Bus
	Lease    Leaser
	Metrics  *obs.WorkflowMetrics
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Outcome is the result of Run or Resume.
type Outcome struct {
	Kind        OutcomeKind
	SessionID   string
	SubjectID   string
	State       State
	Status      payment.Status
	Intent      payment.Intent
	CheckoutURL string
	Message     string
	Err         error
}

// Workflow drives external payment confirmations for one backend flow. It is safe
// for concurrent use; runs for the same subject supersede each other.
type Workflow struct {
	provider payment.Provider
	opener   channel.Opener
	bus      *events.Bus
	lease    Leaser
	metrics  *obs.WorkflowMetrics
	logger   zerolog.Logger
	now      func() time.Time
	opts     Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// New builds a workflow.
func New(deps Deps, opts Options) (*Workflow, error) {
	if deps.Provider == nil {
		return nil, errors.New("workflow: provider is required")
	}
	if deps.Bus == nil {
		return nil, errors.New("workflow: signal bus is required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Workflow{
		provider: deps.Provider,
		opener:   deps.Opener,
		bus:      deps.Bus,
		lease:    deps.Lease,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With().Str("component", "workflow").Str("flow", deps.Provider.Flow()).Logger(),
		now:      now,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
	}, nil
}

// Run performs one checkout for req. The returned error is non-nil exactly when the
// outcome is OutcomeFailed.
func (w *Workflow) Run(ctx context.Context, req payment.Request) (Outcome, error) {
	req = req.Normalised()
	if err := req.Validate(); err != nil {
		return w.rejected(req, err)
	}
	// The ceiling only starts once the window is open, so the intent and source calls
	// get their own CallTimeout on top of the status check's.
	budget := w.opts.Ceiling + w.opts.Grace + 3*w.opts.CallTimeout
	return w.execute(ctx, "workflow.Run", req, budget, func(s *Session) Outcome {
		if req.Method == payment.MethodCOD {
			return w.runOffline(s)
		}
		return w.runGateway(s)
	})
}

// Resume confirms a checkout after the payer returns from a whole-page redirect (or
// re-checks a pending one). It waits RedirectCheckDelay and performs one status check.
func (w *Workflow) Resume(ctx context.Context, req payment.Request, intent payment.Intent) (Outcome, error) {
	req = req.Normalised()
	if err := req.Validate(); err != nil {
		return w.rejected(req, err)
	}
	budget := w.opts.RedirectCheckDelay + w.opts.Grace + w.opts.CallTimeout
	return w.execute(ctx, "workflow.Resume", req, budget, func(s *Session) Outcome {
		s.setIntent(intent)
		if err := sleepCtx(s.ctx, w.opts.RedirectCheckDelay); err != nil {
			return w.fail(s, err)
		}
		if err := w.transition(s, StatePollingStatus); err != nil {
			return w.fail(s, err)
		}
		return w.checkStatus(s, intent, false)
	})
}

// Cancel abandons the current session of subjectID. Its timers stop and it emits no
// further signals. It reports whether a session was running.
func (w *Workflow) Cancel(subjectID string) bool {
	w.mu.Lock()
	s := w.sessions[subjectID]
	delete(w.sessions, subjectID)
	w.mu.Unlock()
	if s == nil {
		return false
	}
	s.silence(ErrCancelled)
	return true
}

// Active returns a snapshot of the running session of subjectID.
func (w *Workflow) Active(subjectID string) (Snapshot, bool) {
	w.mu.Lock()
	s := w.sessions[subjectID]
	w.mu.Unlock()
	if s == nil {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

func (w *Workflow) rejected(req payment.Request, err error) (Outcome, error) {
	w.metrics.ObserveRun(w.provider.Flow(), string(req.Method), string(OutcomeFailed), 0)
	return Outcome{Kind: OutcomeFailed, SubjectID: req.SubjectID, State: StateInit, Message: payment.Message(err), Err: err}, err
}

func (w *Workflow) execute(ctx context.Context, spanName string, req payment.Request, budget time.Duration, body func(*Session) Outcome) (Outcome, error) {
	ctx, span := otel.Tracer("errand-pay/workflow").Start(ctx, spanName)
	defer span.End()

	s, err := w.begin(ctx, req, budget)
	if err != nil {
		w.metrics.ObserveRun(w.provider.Flow(), string(req.Method), string(OutcomeFailed), 0)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{Kind: OutcomeFailed, SubjectID: req.SubjectID, State: StateInit, Message: payment.Message(err), Err: err}, err
	}
	defer w.finish(s)

	span.SetAttributes(
		attribute.String("payflow.flow", w.provider.Flow()),
		attribute.String("payflow.subject_id", req.SubjectID),
		attribute.String("payflow.method", string(req.Method)),
		attribute.String("payflow.session_id", s.ID),
	)

	out := body(s)
	out.SessionID = s.ID
	out.SubjectID = req.SubjectID
	out.State = s.State()

	elapsed := w.now().Sub(s.StartedAt)
	w.metrics.ObserveRun(w.provider.Flow(), string(req.Method), string(out.Kind), elapsed)
	span.SetAttributes(attribute.String("payflow.outcome", string(out.Kind)))

	logger := w.sessionLogger(s)
	evt := logger.Info()
	if out.Err != nil {
		span.SetStatus(codes.Error, out.Err.Error())
		evt = logger.Warn().Err(out.Err)
	}
	evt.Str("outcome", string(out.Kind)).Str("state", string(out.State)).Dur("elapsed", elapsed).Msg("checkout finished")

	if out.Kind == OutcomeFailed {
		if out.Err == nil {
			out.Err = payment.NewError(payment.KindTransport, out.Message, nil)
		}
		return out, out.Err
	}
	return out, nil
}

func (w *Workflow) begin(ctx context.Context, req payment.Request, budget time.Duration) (*Session, error) {
	started := w.now()
	s := &Session{
		ID:        uuid.NewString(),
		Request:   req,
		StartedAt: started,
		Deadline:  started.Add(budget),
		state:     StateInit,
	}
	sctx, cancel := context.WithCancelCause(ctx)
	timeoutErr := payment.NewError(payment.KindTimeout, timeoutMessage, nil)
	sctx, stopDeadline := context.WithDeadlineCause(sctx, s.Deadline, timeoutErr)
	s.ctx = sctx
	s.cancel = func(cause error) {
		cancel(cause)
		stopDeadline()
	}

	if w.lease != nil {
		prev, err := w.lease.Acquire(ctx, req.SubjectID, s.ID)
		if err != nil {
			s.cancel(nil)
			return nil, payment.NewError(payment.KindTransport, "could not register the checkout session", err)
		}
		if prev != "" {
			w.logger.Info().Str("subject_id", req.SubjectID).Str("superseded_session", prev).Msg("took over checkout lease")
		}
	}

	w.mu.Lock()
	prev := w.sessions[req.SubjectID]
	w.sessions[req.SubjectID] = s
	w.mu.Unlock()

	if prev != nil {
		prev.silence(errSuperseded)
		w.metrics.ObserveSuperseded()
		w.logger.Info().
			Str("subject_id", req.SubjectID).
			Str("session_id", s.ID).
			Str("superseded_session", prev.ID).
			Msg("checkout superseded")
	}
	return s, nil
}

func (w *Workflow) finish(s *Session) {
	w.mu.Lock()
	if w.sessions[s.Request.SubjectID] == s {
		delete(w.sessions, s.Request.SubjectID)
	}
	w.mu.Unlock()
	s.closeChannel()
	s.cancel(context.Canceled)

	if w.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.CallTimeout)
		defer cancel()
		if err := w.lease.Release(ctx, s.Request.SubjectID, s.ID); err != nil {
			w.logger.Warn().Err(err).Str("session_id", s.ID).Msg("release checkout lease")
		}
	}
}

func (w *Workflow) runOffline(s *Session) Outcome {
	intent, err := busy(w, s, "record_offline", func(ctx context.Context) (payment.Intent, error) {
		return w.provider.RecordOffline(ctx, s.Request)
	})
	if err != nil {
		return w.fail(s, asKind(err, payment.KindSourceCreation, "could not record the cash payment"))
	}
	intent.Settled = true
	s.setIntent(intent)
	if err := w.transition(s, StateSourceCreated); err != nil {
		return w.fail(s, err)
	}
	if err := w.transition(s, StatePollingStatus); err != nil {
		return w.fail(s, err)
	}
	return w.checkStatus(s, intent, false)
}

func (w *Workflow) runGateway(s *Session) Outcome {
	intent, err := busy(w, s, "create_intent", func(ctx context.Context) (payment.Intent, error) {
		return w.provider.CreateIntent(ctx, s.Request)
	})
	if err != nil {
		return w.fail(s, asKind(err, payment.KindIntentCreation, "could not create the payment intent"))
	}
	s.setIntent(intent)
	if err := w.transition(s, StateIntentCreated); err != nil {
		return w.fail(s, err)
	}

	var source payment.Source
	if intent.Redirect != nil {
		source = *intent.Redirect
	} else {
		source, err = busy(w, s, "create_source", func(ctx context.Context) (payment.Source, error) {
			return w.provider.CreateSource(ctx, s.Request, intent)
		})
		if err != nil {
			return w.fail(s, asKind(err, payment.KindSourceCreation, "could not create the checkout"))
		}
	}
	s.setSource(source)
	if err := w.transition(s, StateSourceCreated); err != nil {
		return w.fail(s, err)
	}

	if source.IsFormRedirect {
		return w.redirect(s, intent, source)
	}
	return w.present(s, intent, source)
}

func (w *Workflow) redirect(s *Session, intent payment.Intent, source payment.Source) Outcome {
	w.emit(s, events.TopicCheckoutNavigate, map[string]any{
		"checkout_url": source.CheckoutURL,
		"intent_id":    intent.ID,
	})
	return Outcome{
		Kind:        OutcomeRedirect,
		Status:      payment.StatusPending,
		Intent:      intent,
		CheckoutURL: source.CheckoutURL,
		Message:     "Continue the payment on the checkout page.",
	}
}

func (w *Workflow) present(s *Session, intent payment.Intent, source payment.Source) Outcome {
	if w.opener == nil {
		return w.fail(s, payment.NewError(payment.KindChannelBlocked, "no checkout window is available", channel.ErrBlocked))
	}
	handle, err := w.opener.Open(s.ctx, source.CheckoutURL)
	if err != nil {
		if s.ctx.Err() != nil {
			return w.fail(s, err)
		}
		return w.fail(s, payment.NewError(payment.KindChannelBlocked, "the checkout window was blocked; allow popups and try again", err))
	}
	s.setHandle(handle)
	if err := w.transition(s, StateAwaitingExternal); err != nil {
		return w.fail(s, err)
	}
	w.emit(s, events.TopicCheckoutOpened, map[string]any{"checkout_url": source.CheckoutURL})

	how, err := firstOf(s.ctx, pollClosed(handle, w.opts.PollInterval), ceiling(w.opts.Ceiling))
	if err != nil {
		return w.fail(s, err)
	}

	forced := how == ceilingReached
	if forced {
		s.closeChannel()
	}
	w.emit(s, events.TopicCheckoutClosed, map[string]any{"forced": forced})
	if !forced {
		if err := sleepCtx(s.ctx, w.opts.Grace); err != nil {
			return w.fail(s, err)
		}
	}

	if err := w.transition(s, StatePollingStatus); err != nil {
		return w.fail(s, err)
	}
	return w.checkStatus(s, intent, forced)
}

// checkStatus performs the single status probe of a run. After the ceiling anything but
// a terminal answer is a timeout.
func (w *Workflow) checkStatus(s *Session, intent payment.Intent, afterCeiling bool) Outcome {
	status, err := busy(w, s, "check_status", func(ctx context.Context) (payment.Status, error) {
		return w.provider.Status(ctx, s.Request, intent)
	})
	if err != nil {
		w.metrics.ObserveStatusCheck("error")
		if afterCeiling && s.ctx.Err() == nil {
			return w.fail(s, payment.NewError(payment.KindTimeout, timeoutMessage, err))
		}
		return w.fail(s, asKind(err, payment.KindTransport, "payment status check failed"))
	}
	w.metrics.ObserveStatusCheck(string(status))
	return w.observe(s, intent, status, afterCeiling)
}

// observe applies a backend status to the session. Observations after the session
// settled are ignored.
func (w *Workflow) observe(s *Session, intent payment.Intent, status payment.Status, afterCeiling bool) Outcome {
	if w.now().After(s.Deadline) {
		return w.fail(s, payment.NewError(payment.KindTimeout, timeoutMessage, nil))
	}
	switch status {
	case payment.StatusConfirmed:
		out := Outcome{Kind: OutcomeConfirmed, Status: status, Intent: intent, Message: "Payment confirmed."}
		w.settle(s, StateConfirmed, &out, func() {
			payload := map[string]any{"intent_id": intent.ID, "method": string(s.Request.Method), "flow": w.provider.Flow()}
			w.emitLocked(s, events.TopicPaymentConfirmed, payload)
			if w.opts.UnlockChatOnConfirm {
				w.emitLocked(s, events.TopicChatUnlocked, map[string]any{"reason": "payment_confirmed"})
			}
			w.emitLocked(s, events.TopicUIRefresh, map[string]any{"reason": "payment_confirmed"})
		})
		return out
	case payment.StatusFailed:
		return w.fail(s, nil)
	default:
		if afterCeiling {
			return w.fail(s, payment.NewError(payment.KindTimeout, timeoutMessage, nil))
		}
		w.emit(s, events.TopicPaymentPending, map[string]any{"intent_id": intent.ID})
		return Outcome{
			Kind:    OutcomePending,
			Status:  payment.StatusPending,
			Intent:  intent,
			Message: "Payment is still being processed. Check again in a moment.",
		}
	}
}

// fail settles the session as FAILED. A nil err means the backend reported the payment
// as failed. Interrupted sessions (superseded, cancelled, caller gone) fail silently;
// a session past its deadline fails with a timeout.
func (w *Workflow) fail(s *Session, err error) Outcome {
	if s.ctx.Err() != nil {
		cause := context.Cause(s.ctx)
		if !errors.Is(cause, payment.ErrTimeout) {
			return w.interrupted(s, cause)
		}
		err = cause
	}

	out := Outcome{Kind: OutcomeFailed, Status: payment.StatusFailed, Message: payment.Message(errDeclined), Err: errDeclined}
	if err != nil {
		perr := asKind(err, payment.KindTransport, "the checkout failed")
		out = Outcome{Kind: OutcomeFailed, Message: payment.Message(perr), Err: perr}
	}
	if in := s.snapshot().Intent; in != nil {
		out.Intent = *in
	}
	w.settle(s, StateFailed, &out, func() {
		w.emitLocked(s, events.TopicPaymentFailed, map[string]any{
			"kind":    string(payment.KindOf(out.Err)),
			"message": out.Message,
		})
	})
	return out
}

func (w *Workflow) interrupted(s *Session, cause error) Outcome {
	if cause == nil {
		cause = context.Canceled
	}
	s.silence(cause)
	w.sessionLogger(s).Debug().Err(cause).Msg("checkout interrupted")
	return interruption(cause)
}

func interruption(cause error) Outcome {
	if cause == nil {
		cause = context.Canceled
	}
	msg := "the checkout was interrupted"
	switch {
	case errors.Is(cause, payment.ErrSuperseded):
		msg = payment.Message(cause)
	case errors.Is(cause, ErrCancelled):
		msg = "the checkout was cancelled"
	}
	return Outcome{Kind: OutcomeFailed, Message: msg, Err: cause}
}

// settle moves the session to a terminal state and runs emit exactly once. A session
// that lost its lease to another process settles silently.
func (w *Workflow) settle(s *Session, to State, out *Outcome, emit func()) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.settled {
		return
	}
	if s.silent.Load() {
		*out = interruption(context.Cause(s.ctx))
		return
	}
	if w.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.CallTimeout)
		held, err := w.lease.Holds(ctx, s.Request.SubjectID, s.ID)
		cancel()
		if err != nil {
			w.sessionLogger(s).Warn().Err(err).Msg("could not verify checkout lease")
		} else if !held {
			s.silent.Store(true)
			*out = Outcome{Kind: OutcomeFailed, Status: out.Status, Intent: out.Intent, Message: payment.Message(errSuperseded), Err: errSuperseded}
			return
		}
	}
	from, err := s.moveTo(to)
	if err != nil {
		w.sessionLogger(s).Error().Err(err).Msg("settle rejected")
		return
	}
	s.settled = true
	w.metrics.ObserveTransition(string(from), string(to))
	emit()
}

func (w *Workflow) transition(s *Session, to State) error {
	from, err := s.moveTo(to)
	if err != nil {
		return err
	}
	w.metrics.ObserveTransition(string(from), string(to))
	w.sessionLogger(s).Debug().Str("from", string(from)).Str("to", string(to)).Msg("checkout transition")
	return nil
}

// emit publishes a signal unless the session was silenced.
func (w *Workflow) emit(s *Session, topic string, payload any) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	w.emitLocked(s, topic, payload)
}

func (w *Workflow) emitLocked(s *Session, topic string, payload any) {
	if s.silent.Load() {
		return
	}
	if _, err := w.bus.Emit(context.WithoutCancel(s.ctx), topic, s.Request.SubjectID, s.ID, payload); err != nil {
		w.sessionLogger(s).Warn().Err(err).Str("topic", topic).Msg("signal delivery failed")
	}
}

// busy brackets a backend call with ui.busy signals and applies the per-call timeout.
func busy[T any](w *Workflow, s *Session, step string, call func(context.Context) (T, error)) (T, error) {
	w.emit(s, events.TopicUIBusy, map[string]any{"busy": true, "step": step})
	defer w.emit(s, events.TopicUIBusy, map[string]any{"busy": false, "step": step})

	ctx, cancel := context.WithTimeout(s.ctx, w.opts.CallTimeout)
	defer cancel()
	ctx = w.sessionLogger(s).WithContext(ctx)
	return call(ctx)
}

func (w *Workflow) sessionLogger(s *Session) *zerolog.Logger {
	l := w.logger.With().
		Str("session_id", s.ID).
		Str("subject_id", s.Request.SubjectID).
		Str("method", string(s.Request.Method)).
		Logger()
	return &l
}

func asKind(err error, kind payment.Kind, message string) error {
	if err == nil {
		return nil
	}
	if payment.KindOf(err) != "" {
		return err
	}
	return payment.NewError(kind, fmt.Sprintf("%s: %v", message, err), err)
}
