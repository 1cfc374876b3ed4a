package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv string

	BackendBaseURL string
	CSRFToken      string
	CSRFHeader     string
	CSRFCookie     string

	CallTimeout        time.Duration
	RetryMaxAttempts   int
	RetryBase          time.Duration
	RetryJitterPercent float64
	CircuitMinRequests int
	CircuitFailureRate float64
	CircuitOpenFor     time.Duration

	PollInterval       time.Duration
	GraceDelay         time.Duration
	FeeCeiling         time.Duration
	TaskCeiling        time.Duration
	RedirectCheckDelay time.Duration
	ChatPollInterval   time.Duration
	ServiceFeeBPS      int

	RedisURL      string
	LeaseTTL      time.Duration
	JournalMaxLen int64

	WebhookURL     string
	WebhookSecret  string
	WebhookTopics  []string
	WebhookTimeout time.Duration

	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	MetricsAddr      string
	TracingEnabled   bool
	OTLPEndpoint     string
	SamplingRatio    float64

	SandboxPort        string
	SandboxIntentShape string
	SandboxRateLimit   int
	SandboxRateWindow  time.Duration
	SandboxTrustProxy  bool
	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv: valueOrDefault(k.String("APP_ENV"), "development"),

		BackendBaseURL: strings.TrimRight(valueOrDefault(k.String("PAYFLOW_BACKEND_URL"), "http://localhost:8000"), "/"),
		CSRFToken:      strings.TrimSpace(k.String("PAYFLOW_CSRF_TOKEN")),
		CSRFHeader:     valueOrDefault(k.String("PAYFLOW_CSRF_HEADER"), "X-CSRFToken"),
		CSRFCookie:     valueOrDefault(k.String("PAYFLOW_CSRF_COOKIE"), "csrftoken"),

		CallTimeout:        parseDuration(k.String("BACKEND_CALL_TIMEOUT"), "15s"),
		RetryMaxAttempts:   parseInt(k.String("RETRY_MAX_ATTEMPTS"), 1),
		RetryBase:          parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryJitterPercent: parseFloat(k.String("RETRY_JITTER_PERCENT"), 0.2),
		CircuitMinRequests: parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 5),
		CircuitFailureRate: parseFloat(k.String("CIRCUIT_FAILURE_RATE"), 0.5),
		CircuitOpenFor:     parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		PollInterval:       parseDuration(k.String("CHECKOUT_POLL_INTERVAL"), "1s"),
		GraceDelay:         parseDuration(k.String("CHECKOUT_GRACE_DELAY"), "2s"),
		FeeCeiling:         parseDuration(k.String("CHECKOUT_FEE_CEILING"), "10m"),
		TaskCeiling:        parseDuration(k.String("CHECKOUT_TASK_CEILING"), "5m"),
		RedirectCheckDelay: parseDuration(k.String("CHECKOUT_REDIRECT_CHECK_DELAY"), "3s"),
		ChatPollInterval:   parseDuration(k.String("CHAT_POLL_INTERVAL"), "10s"),
		ServiceFeeBPS:      parseInt(k.String("SERVICE_FEE_BPS"), 1000),

		RedisURL:      strings.TrimSpace(k.String("REDIS_URL")),
		LeaseTTL:      parseDuration(k.String("SESSION_LEASE_TTL"), "15m"),
		JournalMaxLen: int64(parseInt(k.String("SIGNAL_JOURNAL_MAXLEN"), 1000)),

		WebhookURL:     strings.TrimSpace(k.String("SIGNAL_WEBHOOK_URL")),
		WebhookSecret:  k.String("SIGNAL_WEBHOOK_SECRET"),
		WebhookTopics:  splitAndTrim(k.String("SIGNAL_WEBHOOK_TOPICS")),
		WebhookTimeout: parseDuration(k.String("SIGNAL_WEBHOOK_TIMEOUT"), "5s"),

		LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "payflow"),
		MetricsAddr:      strings.TrimSpace(k.String("OBS_METRICS_ADDR")),
		TracingEnabled:   parseBool(k.String("OBS_ENABLE_TRACING")),
		OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
		SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),

		SandboxPort:        valueOrDefault(k.String("SANDBOX_PORT"), "8000"),
		SandboxIntentShape: valueOrDefault(k.String("SANDBOX_INTENT_SHAPE"), "attributes"),
		SandboxRateLimit:   parseInt(k.String("SANDBOX_RATE_LIMIT"), 30),
		SandboxRateWindow:  parseDuration(k.String("SANDBOX_RATE_WINDOW"), "1m"),
		SandboxTrustProxy:  parseBool(k.String("SANDBOX_TRUST_PROXY")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
	}

	u, err := url.Parse(cfg.BackendBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("PAYFLOW_BACKEND_URL must be an absolute URL, got %q", cfg.BackendBaseURL)
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.New("CHECKOUT_POLL_INTERVAL must be positive")
	}
	if cfg.FeeCeiling < cfg.PollInterval || cfg.TaskCeiling < cfg.PollInterval {
		return nil, errors.New("checkout ceilings must not be shorter than the poll interval")
	}
	if cfg.WebhookURL != "" && cfg.WebhookSecret == "" {
		return nil, errors.New("SIGNAL_WEBHOOK_SECRET is required when SIGNAL_WEBHOOK_URL is set")
	}
	if cfg.RetryMaxAttempts < 1 {
		cfg.RetryMaxAttempts = 1
	}

	return cfg, nil
}

// SandboxAddr returns the address the sandbox server should bind to.
func (c *Config) SandboxAddr() string {
	port := strings.TrimSpace(c.SandboxPort)
	if port == "" {
		port = "8000"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
