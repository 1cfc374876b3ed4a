package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/errand-pay/internal/backend"
	"github.com/noah-isme/errand-pay/internal/config"
	"github.com/noah-isme/errand-pay/internal/obs"
	"github.com/noah-isme/errand-pay/internal/resilience"
	"github.com/noah-isme/errand-pay/internal/security"
)

const usage = `usage: payflow <command> [flags]

commands:
  run         pay the chat fee or a task and wait for confirmation
  resume      confirm a checkout after returning from a card form
  details     show a payment record
  receipt     download a payment receipt
  watch-chat  follow the chat lock of a task
  replay      print the journaled signals of a task (needs REDIS_URL)
`

// exit codes
const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitStartup = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "payflow: %v\n", err)
		return exitStartup
	}
	logger := obs.NewLoggerTo(stderr, cfg.LogFormat, cfg.LogLevel).With().Str("component", "payflow").Str("env", cfg.AppEnv).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		Enabled:       cfg.TracingEnabled,
		ServiceName:   "payflow",
		Endpoint:      cfg.OTLPEndpoint,
		SamplingRatio: cfg.SamplingRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		shutdownTracer = func(context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, logger)
		defer func() { _ = srv.Close() }()
	}

	rdb, err := openRedis(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("connect redis")
		return exitStartup
	}
	if rdb != nil {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
	}

	client, err := newBackendClient(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("build backend client")
		return exitStartup
	}

	app := &cli{
		cfg:    cfg,
		logger: logger,
		client: client,
		redis:  rdb,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	var cmd func(context.Context, []string) error
	switch args[0] {
	case "run":
		cmd = app.runCheckout
	case "resume":
		cmd = app.resumeCheckout
	case "details":
		cmd = app.details
	case "receipt":
		cmd = app.receipt
	case "watch-chat":
		cmd = app.watchChat
	case "replay":
		cmd = app.replay
	default:
		fmt.Fprintf(stderr, "payflow: unknown command %q\n\n%s", args[0], usage)
		return exitUsage
	}

	if err := cmd(ctx, args[1:]); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(stderr, "payflow %s: %v\n", args[0], err)
			return exitUsage
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return exitOK
		}
		fmt.Fprintf(stderr, "payflow %s: %v\n", args[0], err)
		return exitFailed
	}
	return exitOK
}

type usageError struct{ error }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

func newBackendClient(cfg *config.Config, logger zerolog.Logger) (*backend.Client, error) {
	breaker := resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRate, cfg.CircuitOpenFor).
		WithTarget("backend").
		WithLogger(logger)

	var tokens security.TokenSource
	if cfg.CSRFToken != "" {
		tokens = security.StaticToken(cfg.CSRFToken)
	}
	return backend.NewClient(backend.Options{
		BaseURL:     cfg.BackendBaseURL,
		Breaker:     breaker,
		Timeout:     cfg.CallTimeout,
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseBackoff: cfg.RetryBase,
		Jitter:      cfg.RetryJitterPercent,
		Tokens:      tokens,
		CSRFHeader:  cfg.CSRFHeader,
		CSRFCookie:  cfg.CSRFCookie,
		Logger:      logger,
	})
}

// openRedis connects when REDIS_URL is set. A nil client disables the lease and the
// signal journal.
func openRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if cfg.MetricsAddr != "" {
		if err := redisotel.InstrumentMetrics(rdb); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func serveMetrics(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server exited")
		}
	}()
	return srv
}
