package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/otistx/backend/internal/audit"
	"github.com/otistx/backend/internal/config"
	"github.com/otistx/backend/internal/idempotency"
	"github.com/otistx/backend/internal/logger"
	"github.com/otistx/backend/internal/metrics"
	"github.com/otistx/backend/internal/priceregistry"
	"github.com/otistx/backend/internal/proxypool"
	"github.com/otistx/backend/internal/ratelimit"
	"github.com/otistx/backend/internal/rapidcheck"
	"github.com/otistx/backend/internal/reaper"
	"github.com/otistx/backend/internal/rental"
	"github.com/otistx/backend/internal/storage"
	"github.com/otistx/backend/internal/upstream/platform"
	"github.com/otistx/backend/internal/voucher"
	"github.com/otistx/backend/internal/wallet"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg            *config.Config
	store          storage.Store
	ledger         *wallet.Ledger
	prices         *priceregistry.Registry
	platform       *platform.Client
	proxies        *proxypool.Pool
	rental         *rental.Orchestrator
	voucher        *voucher.Pipeline
	rapidcheck     *rapidcheck.Service
	reaper         *reaper.Reaper
	audit          *audit.Registry
	idempotency    *idempotency.Service
	serviceLimiter *ratelimit.ServiceLimiter
	metrics        *metrics.Metrics
	logger         zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(
	cfg *config.Config,
	store storage.Store,
	ledger *wallet.Ledger,
	prices *priceregistry.Registry,
	platformClient *platform.Client,
	proxies *proxypool.Pool,
	rentalOrchestrator *rental.Orchestrator,
	voucherPipeline *voucher.Pipeline,
	rapidcheckService *rapidcheck.Service,
	reaperSvc *reaper.Reaper,
	auditRegistry *audit.Registry,
	idempotencySvc *idempotency.Service,
	serviceLimiter *ratelimit.ServiceLimiter,
	metricsCollector *metrics.Metrics,
	appLogger zerolog.Logger,
) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:            cfg,
			store:          store,
			ledger:         ledger,
			prices:         prices,
			platform:       platformClient,
			proxies:        proxies,
			rental:         rentalOrchestrator,
			voucher:        voucherPipeline,
			rapidcheck:     rapidcheckService,
			reaper:         reaperSvc,
			audit:          auditRegistry,
			idempotency:    idempotencySvc,
			serviceLimiter: serviceLimiter,
			metrics:        metricsCollector,
			logger:         appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, store, ledger, prices, platformClient, proxies, rentalOrchestrator, voucherPipeline, rapidcheckService, reaperSvc, auditRegistry, idempotencySvc, serviceLimiter, metricsCollector, appLogger)

	return s
}

// ConfigureRouter attaches every route to an existing router.
func ConfigureRouter(
	router chi.Router,
	cfg *config.Config,
	store storage.Store,
	ledger *wallet.Ledger,
	prices *priceregistry.Registry,
	platformClient *platform.Client,
	proxies *proxypool.Pool,
	rentalOrchestrator *rental.Orchestrator,
	voucherPipeline *voucher.Pipeline,
	rapidcheckService *rapidcheck.Service,
	reaperSvc *reaper.Reaper,
	auditRegistry *audit.Registry,
	idempotencySvc *idempotency.Service,
	serviceLimiter *ratelimit.ServiceLimiter,
	metricsCollector *metrics.Metrics,
	appLogger zerolog.Logger,
) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:            cfg,
		store:          store,
		ledger:         ledger,
		prices:         prices,
		platform:       platformClient,
		proxies:        proxies,
		rental:         rentalOrchestrator,
		voucher:        voucherPipeline,
		rapidcheck:     rapidcheckService,
		reaper:         reaperSvc,
		audit:          auditRegistry,
		idempotency:    idempotencySvc,
		serviceLimiter: serviceLimiter,
		metrics:        metricsCollector,
		logger:         appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled: cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow.Duration,
		PerIPEnabled:  cfg.RateLimit.PerIPEnabled,
		PerIPLimit:    cfg.RateLimit.PerIPLimit,
		PerIPWindow:   cfg.RateLimit.PerIPWindow.Duration,
		Metrics:       metricsCollector,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints: health and metrics, no auth, 5s timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", handler.health)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Bank-deposit webhook: its own shared-secret auth, not the user bearer
	// scheme, per spec §6's webhook token env var.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Post(prefix+"/webhook/bank-deposit", handler.bankDepositWebhook)
	})

	// Authenticated operation endpoints, 60s timeout for upstream dispatch.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(authMiddleware)

		r.Post(prefix+"/phone-rental/start", handler.rentalStart)
		r.Get(prefix+"/phone-rental/get-otp", handler.rentalGetOTP)
		r.Post(prefix+"/phone-rental/active-sessions", handler.rentalActiveSessions)

		r.Post(prefix+"/voucher-saving", handler.voucherSaving)

		r.Post(prefix+"/cookie-rapid-check", handler.cookieRapidCheck)

		r.Post(prefix+"/tracking-checks/bulk", handler.trackingChecksBulk)
		r.Post(prefix+"/account-check/bulk", handler.accountCheckBulk)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
