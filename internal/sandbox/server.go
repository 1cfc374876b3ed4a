package sandbox

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/errand-pay/internal/common"
	"github.com/noah-isme/errand-pay/internal/health"
	"github.com/noah-isme/errand-pay/internal/obs"
	"github.com/noah-isme/errand-pay/internal/pricing"
	"github.com/noah-isme/errand-pay/internal/ratelimit"
	"github.com/noah-isme/errand-pay/internal/security"
)

// Intent response layouts the sandbox can produce.
const (
	ShapeRoot       = "root"
	ShapeData       = "data"
	ShapeAttributes = "attributes"
)

// Config configures the sandbox router.
type Config struct {
	Store *Store
	// IntentShape selects the create-payment-intent layout.
	IntentShape string
	// SystemFee is charged to unlock a task chat.
	SystemFee decimal.Decimal
	Pricing   pricing.Calculator
	// PublicURL prefixes checkout links; the request host is used when empty.
	PublicURL          string
	CSRF               security.CSRF
	CORSAllowedOrigins []string
	// RateLimit throttles payment creation per client when its Client is set.
	RateLimit ratelimit.Window
	// TrustProxy keys the throttle by X-Forwarded-For instead of the peer address.
	TrustProxy bool
	Health     health.Handler
	Metrics    *obs.HTTPMetrics
	Tracing    bool
	Logger     zerolog.Logger
}

// Server serves a stand-in for the marketplace payment API.
type Server struct {
	store     *Store
	shape     string
	fee       decimal.Decimal
	pricing   pricing.Calculator
	publicURL string
	logger    zerolog.Logger
}

// NewRouter builds the sandbox http handler.
func NewRouter(cfg Config) http.Handler {
	store := cfg.Store
	if store == nil {
		store = NewStore(decimal.NewFromInt(500))
	}
	fee := cfg.SystemFee
	if fee.IsZero() {
		fee = decimal.NewFromInt(2)
	}
	s := &Server{
		store:     store,
		shape:     normaliseShape(cfg.IntentShape),
		fee:       fee,
		pricing:   cfg.Pricing,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		logger:    cfg.Logger.With().Str("component", "sandbox").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if cfg.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	if cfg.Metrics != nil {
		r.Use(obs.HTTPObs{Metrics: cfg.Metrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: s.logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", csrfHeader(cfg.CSRF)},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(security.Headers{}.Middleware)
	r.Use(security.BodyLimit{Max: maxRequestBytes}.Middleware)

	r.Get("/health/live", cfg.Health.Live)
	r.Get("/health/ready", cfg.Health.Ready)

	throttle := ratelimit.Throttle{
		Window: cfg.RateLimit,
		Key:    common.ClientIP{TrustProxy: cfg.TrustProxy}.Of,
		OnError: func(err error) {
			s.logger.Warn().Err(err).Msg("rate limiter unavailable")
		},
	}

	r.Group(func(g chi.Router) {
		g.Use(cfg.CSRF.Middleware)
		g.Get("/", s.index)

		g.Route("/api", func(api chi.Router) {
			api.Get("/check-chat/{taskID}/", s.checkChat)
			api.Get("/check-payment-status/", s.paymentStatus)
			api.Get("/payment-details/{paymentID}/", s.paymentDetails)
			api.Get("/download-receipt/{paymentID}/", s.downloadReceipt)

			api.Group(func(paid chi.Router) {
				paid.Use(throttle.Middleware)
				paid.Post("/create-payment-intent/", s.createPaymentIntent)
				paid.Post("/complete-task-payment/{taskID}/", s.completeTaskPayment)
			})
			api.Post("/create-gcash-payment/", s.createSource(false))
			api.Post("/create-card-payment/", s.createSource(true))
			api.Post("/create-task-gcash-payment/", s.createTaskSource)
		})

		g.Route("/sandbox", func(sb chi.Router) {
			sb.Get("/checkout/{sourceID}", s.checkoutPage)
			sb.Post("/checkout/{sourceID}/{action}", s.checkoutAction)
			sb.Post("/payments/{paymentID}/{action}", s.settlePayment)
			sb.Post("/tasks/{taskID}/unlock", s.unlockChat)
			sb.Post("/tasks/{taskID}/price", s.setPrice)
		})
	})

	return r
}

func normaliseShape(shape string) string {
	switch strings.ToLower(strings.TrimSpace(shape)) {
	case ShapeRoot:
		return ShapeRoot
	case ShapeData:
		return ShapeData
	default:
		return ShapeAttributes
	}
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func csrfHeader(c security.CSRF) string {
	if h := strings.TrimSpace(c.Header); h != "" {
		return h
	}
	return security.DefaultCSRFHeader
}

func (s *Server) baseURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
