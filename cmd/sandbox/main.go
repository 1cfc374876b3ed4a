package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/errand-pay/internal/config"
	"github.com/noah-isme/errand-pay/internal/health"
	"github.com/noah-isme/errand-pay/internal/obs"
	"github.com/noah-isme/errand-pay/internal/pricing"
	"github.com/noah-isme/errand-pay/internal/ratelimit"
	"github.com/noah-isme/errand-pay/internal/sandbox"
	"github.com/noah-isme/errand-pay/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "sandbox").Str("env", cfg.AppEnv).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		Enabled:       cfg.TracingEnabled,
		ServiceName:   "payflow-sandbox",
		Endpoint:      cfg.OTLPEndpoint,
		SamplingRatio: cfg.SamplingRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		cfg.TracingEnabled = false
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(ctx); err != nil {
				logger.Error().Err(err).Msg("shutdown tracer")
			}
		}()
	}

	rdb := mustInitRedis(ctx, cfg, logger)
	healthHandler := health.Handler{}
	limit := ratelimit.Window{Size: cfg.SandboxRateWindow, Max: cfg.SandboxRateLimit}
	if rdb != nil {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
		healthHandler.Checker = health.RedisChecker{Client: rdb}
		limit.Client = rdb
	}

	router := sandbox.NewRouter(sandbox.Config{
		Store:       sandbox.NewStore(decimal.NewFromInt(500)),
		IntentShape: cfg.SandboxIntentShape,
		Pricing:     pricing.Calculator{FeeBPS: cfg.ServiceFeeBPS},
		CSRF: security.CSRF{
			Header: cfg.CSRFHeader,
			Cookie: cfg.CSRFCookie,
			Secure: cfg.AppEnv == "production",
		},
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimit:          limit,
		TrustProxy:         cfg.SandboxTrustProxy,
		Health:             healthHandler,
		Metrics:            obs.NewHTTPMetrics(cfg.MetricsNamespace, nil),
		Tracing:            cfg.TracingEnabled,
		Logger:             logger,
	})

	root := chi.NewRouter()
	root.Handle("/metrics", promhttp.Handler())
	root.Mount("/", router)

	srv := &http.Server{
		Addr:              cfg.SandboxAddr(),
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Str("intent_shape", cfg.SandboxIntentShape).Msg("sandbox starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("sandbox stopped")
}

// mustInitRedis connects when REDIS_URL is set; the sandbox runs without rate limiting
// otherwise.
func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Info().Msg("REDIS_URL not set; rate limiting disabled")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	rdb := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return rdb
}
