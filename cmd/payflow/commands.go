package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/errand-pay/internal/backend"
	"github.com/noah-isme/errand-pay/internal/channel"
	"github.com/noah-isme/errand-pay/internal/chat"
	"github.com/noah-isme/errand-pay/internal/config"
	"github.com/noah-isme/errand-pay/internal/events"
	"github.com/noah-isme/errand-pay/internal/lock"
	"github.com/noah-isme/errand-pay/internal/notify"
	"github.com/noah-isme/errand-pay/internal/obs"
	"github.com/noah-isme/errand-pay/internal/payment"
	"github.com/noah-isme/errand-pay/internal/pricing"
	"github.com/noah-isme/errand-pay/internal/resilience"
	"github.com/noah-isme/errand-pay/internal/workflow"
)

type cli struct {
	cfg    *config.Config
	logger zerolog.Logger
	client *backend.Client
	redis  *redis.Client
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *cli) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usageError{err}
	}
	if fs.NArg() > 0 {
		return usagef("unexpected arguments %v", fs.Args())
	}
	return nil
}

func (c *cli) runCheckout(ctx context.Context, args []string) error {
	fs := c.flags("run")
	flow := fs.String("flow", backend.FlowTask, "checkout flow: fee or task")
	subject := fs.String("task", "", "task id")
	method := fs.String("method", "gcash", "payment method: gcash, card or cod")
	amount := fs.String("amount", "", "amount in pesos, for display and metrics")
	price := fs.String("price", "", "task price in pesos; the service fee is added")
	if err := c.parse(fs, args); err != nil {
		return err
	}

	req, err := c.request(*subject, *method)
	if err != nil {
		return err
	}
	if req.Amount, err = c.amount(*amount, *price); err != nil {
		return err
	}
	wf, err := c.workflow(*flow)
	if err != nil {
		return err
	}
	c.prime(ctx)

	out, err := wf.Run(ctx, req)
	c.printOutcome(out)
	return err
}

func (c *cli) resumeCheckout(ctx context.Context, args []string) error {
	fs := c.flags("resume")
	flow := fs.String("flow", backend.FlowFee, "checkout flow: fee or task")
	subject := fs.String("task", "", "task id")
	method := fs.String("method", "card", "payment method used for the checkout")
	intentID := fs.String("intent", "", "intent or payment id printed by run")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	req, err := c.request(*subject, *method)
	if err != nil {
		return err
	}
	wf, err := c.workflow(*flow)
	if err != nil {
		return err
	}
	c.prime(ctx)

	out, err := wf.Resume(ctx, req, payment.Intent{ID: *intentID})
	c.printOutcome(out)
	return err
}

func (c *cli) details(ctx context.Context, args []string) error {
	fs := c.flags("details")
	id := fs.String("payment", "", "payment id")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if *id == "" {
		return usagef("-payment is required")
	}
	record, err := c.client.PaymentDetails(ctx, *id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(record)
}

func (c *cli) receipt(ctx context.Context, args []string) error {
	fs := c.flags("receipt")
	id := fs.String("payment", "", "payment id")
	dest := fs.String("out", "", "destination file, - for stdout (default: the server's file name)")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if *id == "" {
		return usagef("-payment is required")
	}
	r, err := c.client.DownloadReceipt(ctx, *id)
	if err != nil {
		return err
	}
	switch *dest {
	case "-":
		_, err = c.stdout.Write(r.Body)
		return err
	case "":
		*dest = r.Filename
	}
	if err := os.WriteFile(*dest, r.Body, 0o644); err != nil {
		return fmt.Errorf("write receipt: %w", err)
	}
	fmt.Fprintf(c.stdout, "receipt saved to %s\n", *dest)
	return nil
}

func (c *cli) watchChat(ctx context.Context, args []string) error {
	fs := c.flags("watch-chat")
	subject := fs.String("task", "", "task id")
	interval := fs.Duration("interval", c.cfg.ChatPollInterval, "time between checks")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if *subject == "" {
		return usagef("-task is required")
	}
	c.prime(ctx)

	gate := &chat.Gate{
		Prober:    c.client,
		SubjectID: *subject,
		Bus:       c.bus(),
		Interval:  *interval,
		Logger:    c.logger,
	}
	access := gate.Check(ctx)
	if access.Allowed {
		fmt.Fprintln(c.stdout, "chat is open")
	} else {
		fmt.Fprintf(c.stdout, "chat is locked: %s\n", access.Reason)
	}
	return gate.Watch(ctx)
}

func (c *cli) replay(ctx context.Context, args []string) error {
	fs := c.flags("replay")
	subject := fs.String("task", "", "task id")
	count := fs.Int64("count", 50, "number of signals")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if *subject == "" {
		return usagef("-task is required")
	}
	if c.redis == nil {
		return usagef("replay needs REDIS_URL")
	}
	sigs, err := events.RedisJournal{Client: c.redis}.Replay(ctx, *subject, *count)
	if err != nil {
		return err
	}
	for _, sig := range sigs {
		_ = c.printSignal(ctx, sig)
	}
	return nil
}

func (c *cli) request(subject, method string) (payment.Request, error) {
	if subject == "" {
		return payment.Request{}, usagef("-task is required")
	}
	m, err := payment.ParseMethod(method)
	if err != nil {
		return payment.Request{}, usageError{err}
	}
	return payment.Request{SubjectID: subject, Method: m}, nil
}

// amount resolves the centavo amount of a request. A price is quoted with the service
// fee; an explicit amount is taken as is.
func (c *cli) amount(amount, price string) (int64, error) {
	switch {
	case amount != "" && price != "":
		return 0, usagef("use either -amount or -price")
	case amount != "":
		d, err := decimal.NewFromString(amount)
		if err != nil || d.IsNegative() {
			return 0, usagef("invalid -amount %q", amount)
		}
		return pricing.ToMinor(d), nil
	case price != "":
		d, err := decimal.NewFromString(price)
		if err != nil {
			return 0, usagef("invalid -price %q", price)
		}
		q, err := pricing.Calculator{FeeBPS: c.cfg.ServiceFeeBPS}.Quote(d)
		if err != nil {
			return 0, usageError{err}
		}
		fmt.Fprintf(c.stdout, "task price %s + service fee %s = %s\n",
			pricing.Format(q.Price), pricing.Format(q.ServiceFee), pricing.Format(q.Total))
		return pricing.ToMinor(q.Total), nil
	default:
		return 0, nil
	}
}

func (c *cli) workflow(flow string) (*workflow.Workflow, error) {
	var (
		provider payment.Provider
		ceiling  = c.cfg.TaskCeiling
		unlock   bool
	)
	switch flow {
	case backend.FlowFee:
		provider = backend.FeeFlow{Client: c.client}
		ceiling = c.cfg.FeeCeiling
		unlock = true
	case backend.FlowTask:
		provider = backend.TaskFlow{Client: c.client}
	default:
		return nil, usagef("unknown flow %q (fee or task)", flow)
	}

	var (
		lease   workflow.Leaser
		metrics *obs.WorkflowMetrics
	)
	if c.redis != nil {
		lease = lock.Lease{R: c.redis, TTL: c.cfg.LeaseTTL}
	}
	if c.cfg.MetricsAddr != "" {
		metrics = obs.NewWorkflowMetrics(c.cfg.MetricsNamespace, nil)
	}

	return workflow.New(workflow.Deps{
		Provider: provider,
		Opener:   channel.Terminal{Out: c.stderr, In: c.stdin},
		Bus:      c.bus(),
		Lease:    lease,
		Metrics:  metrics,
		Logger:   c.logger,
	}, workflow.Options{
		PollInterval:        c.cfg.PollInterval,
		Grace:               c.cfg.GraceDelay,
		Ceiling:             ceiling,
		CallTimeout:         c.cfg.CallTimeout,
		RedirectCheckDelay:  c.cfg.RedirectCheckDelay,
		UnlockChatOnConfirm: unlock,
	})
}

// bus prints signals and forwards them to the signal webhook when one is configured.
func (c *cli) bus() *events.Bus {
	bus := events.NewBus(c.journal(), events.NotifierFunc(c.printSignal))
	if c.cfg.WebhookURL == "" {
		return bus
	}
	wh := notify.Webhook{
		URL:    c.cfg.WebhookURL,
		Secret: c.cfg.WebhookSecret,
		Topics: c.cfg.WebhookTopics,
		HTTP: resilience.HTTPClient{
			Client:  notify.HTTPClient(c.cfg.WebhookTimeout),
			Breaker: resilience.NewBreaker(c.cfg.CircuitMinRequests, c.cfg.CircuitFailureRate, c.cfg.CircuitOpenFor).WithTarget("webhook").WithLogger(c.logger),
			Target:  "webhook",
			Logger:  &c.logger,
		},
	}
	if c.redis != nil {
		wh.Replay = notify.RedisReplayProtector{Client: c.redis}
		wh.ReplayTTL = c.cfg.LeaseTTL
	}
	bus.Subscribe(wh)
	return bus
}

func (c *cli) journal() events.Journal {
	if c.redis == nil {
		return nil
	}
	return events.RedisJournal{Client: c.redis, MaxLen: c.cfg.JournalMaxLen}
}

// prime fetches the csrf cookie. A configured static token makes it optional.
func (c *cli) prime(ctx context.Context) {
	if err := c.client.Prime(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("could not fetch csrf cookie")
	}
}

func (c *cli) printSignal(_ context.Context, sig events.Signal) error {
	_, err := fmt.Fprintf(c.stdout, "%s %-18s %s\n", sig.OccurredAt.Format(time.TimeOnly), sig.Topic, sig.Payload)
	return err
}

type outcomeView struct {
	Outcome     string `json:"outcome"`
	State       string `json:"state"`
	Status      string `json:"status,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Task        string `json:"task"`
	IntentID    string `json:"intent_id,omitempty"`
	CheckoutURL string `json:"checkout_url,omitempty"`
	Message     string `json:"message"`
	ErrorKind   string `json:"error_kind,omitempty"`
}

func (c *cli) printOutcome(out workflow.Outcome) {
	view := outcomeView{
		Outcome:     string(out.Kind),
		State:       string(out.State),
		Status:      string(out.Status),
		SessionID:   out.SessionID,
		Task:        out.SubjectID,
		IntentID:    out.Intent.ID,
		CheckoutURL: out.CheckoutURL,
		Message:     out.Message,
		ErrorKind:   string(payment.KindOf(out.Err)),
	}
	if err := json.NewEncoder(c.stdout).Encode(view); err != nil {
		c.logger.Error().Err(err).Msg("print outcome")
	}
	if out.Kind == workflow.OutcomeRedirect {
		fmt.Fprintf(c.stderr, "Open %s to pay, then run: payflow resume -task %s -intent %s\n", out.CheckoutURL, out.SubjectID, out.Intent.ID)
	}
}
