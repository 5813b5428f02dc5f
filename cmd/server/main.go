// Command server runs the otistx backend: phone-rental orchestration,
// voucher claiming, rapid shipper lookup, and the prepaid wallet ledger
// behind them, wired the way the teacher's pkg/cedros.App assembles its
// dependency graph but flattened into a standalone binary's main(), in the
// style of the teacher's cmd/tests/x402pay/main.go entrypoint shell
// (flag-selected config path, config.Load, log.Fatalf on any wiring error).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/otistx/backend/internal/audit"
	"github.com/otistx/backend/internal/circuitbreaker"
	"github.com/otistx/backend/internal/config"
	"github.com/otistx/backend/internal/httpserver"
	"github.com/otistx/backend/internal/idempotency"
	"github.com/otistx/backend/internal/lifecycle"
	"github.com/otistx/backend/internal/logger"
	"github.com/otistx/backend/internal/metrics"
	"github.com/otistx/backend/internal/priceregistry"
	"github.com/otistx/backend/internal/proxypool"
	"github.com/otistx/backend/internal/ratelimit"
	"github.com/otistx/backend/internal/rapidcheck"
	"github.com/otistx/backend/internal/reaper"
	"github.com/otistx/backend/internal/rental"
	"github.com/otistx/backend/internal/rentalqueue"
	"github.com/otistx/backend/internal/storage"
	"github.com/otistx/backend/internal/upstream"
	"github.com/otistx/backend/internal/upstream/platform"
	"github.com/otistx/backend/internal/voucher"
	"github.com/otistx/backend/internal/wallet"
)

func main() {
	cfgPath := flag.String("config", "configs/local.yaml", "path to the configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("server: .env not loaded: %v", err)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("server: load config: %v", err)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "otistx-backend",
		Version:     "dev",
		Environment: cfg.Logging.Environment,
	})

	lm := lifecycle.NewManager()

	store, err := buildStore(cfg)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("server: build store")
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		lm.Register("store", closer)
	}

	var archiveStore *storage.ArchiveStore
	if cfg.Storage.MongoDBURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		archiveStore, err = storage.NewArchiveStore(ctx, cfg.Storage.MongoDBURL, cfg.Storage.MongoDBDatabase)
		cancel()
		if err != nil {
			appLogger.Fatal().Err(err).Msg("server: connect archive store")
		}
		lm.RegisterFunc("archive_store", func() error {
			return archiveStore.Close(context.Background())
		})
	}

	if cfg.Storage.Archival.Enabled {
		archival := storage.NewArchivalService(store, storage.ArchivalConfig{
			Enabled:              cfg.Storage.Archival.Enabled,
			IdempotencyRetention: cfg.Storage.Archival.IdempotencyRetention.Duration,
			ActivityRetention:    cfg.Storage.Archival.ActivityRetention.Duration,
			RunInterval:          cfg.Storage.Archival.RunInterval.Duration,
		}, nil, appLogger)
		archival.Start()
		lm.RegisterFunc("archival_service", func() error {
			archival.Stop()
			return nil
		})
	}

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)

	ledger := wallet.New(store, metricsCollector)
	idempotencySvc := idempotency.New(store, idempotency.DefaultCacheTTL)
	prices := priceregistry.New(store, priceregistry.DefaultCacheTTL)
	seedPrices(context.Background(), prices, cfg, appLogger)

	var proxies *proxypool.Pool
	if cfg.ProxyPool.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		proxies, err = proxypool.New(ctx, store)
		cancel()
		if err != nil {
			appLogger.Fatal().Err(err).Msg("server: build proxy pool")
		}
	}

	providerTierNames := make([]string, 0, len(cfg.Rental.Tiers))
	for _, tier := range cfg.Rental.Tiers {
		providerTierNames = append(providerTierNames, tier.Name)
	}
	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, providerTierNames)

	upstreamClient := upstream.New(cfg.Upstream.UserAgent)
	platformClient := platform.New(upstreamClient, platformBaseURL(cfg))

	registry, queues := buildRentalRegistry(cfg, upstreamClient, breakers)

	auditRegistry := audit.NewRegistry(appLogger)
	auditRegistry.Register(audit.NewStorageHook(store))
	auditRegistry.Register(audit.NewLoggingHook(appLogger))
	auditRegistry.Register(audit.NewPrometheusHook(metricsCollector))

	rentalOrchestrator := rental.New(store, ledger, prices, registry, auditRegistry, queues, forbiddenPrefixes(cfg), appLogger)
	if archiveStore != nil {
		rentalOrchestrator.SetArchiveStore(archiveStore)
	}

	voucherPipeline := voucher.New(store, ledger, prices, platformClient, auditRegistry, appLogger)
	if archiveStore != nil {
		voucherPipeline.SetArchiveStore(archiveStore)
	}

	rapidcheckService := rapidcheck.New(store, ledger, prices, platformClient, auditRegistry, appLogger)
	if archiveStore != nil {
		rapidcheckService.SetArchiveStore(archiveStore)
	}

	reaperSvc := reaper.New(store, ledger, queues[storage.TierProviderGamma], auditRegistry, reaper.Config{
		CheckInterval:       cfg.Reaper.CheckInterval.Duration,
		BatchSize:           cfg.Reaper.BatchSize,
		LowBalanceThreshold: cfg.Wallet.LowBalanceThreshold,
	}, appLogger)
	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	reaperSvc.Start(reaperCtx)
	lm.RegisterFunc("reaper", func() error {
		reaperCancel()
		reaperSvc.Stop()
		return nil
	})

	serviceLimiter := ratelimit.NewServiceLimiter(ratelimit.ServiceLimiterConfig{
		Window:    cfg.RateLimit.PerServiceWindow.Duration,
		Threshold: cfg.RateLimit.PerServiceLimit,
		Cooldown:  cfg.RateLimit.PerServiceCooldown.Duration,
	})

	server := httpserver.New(
		cfg,
		store,
		ledger,
		prices,
		platformClient,
		proxies,
		rentalOrchestrator,
		voucherPipeline,
		rapidcheckService,
		reaperSvc,
		auditRegistry,
		idempotencySvc,
		serviceLimiter,
		metricsCollector,
		appLogger,
	)

	go func() {
		appLogger.Info().Str("address", cfg.Server.Address).Msg("server: listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal().Err(err).Msg("server: listen and serve")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	appLogger.Info().Msg("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("server: graceful shutdown failed")
	}
	if err := lm.Close(); err != nil {
		appLogger.Error().Err(err).Msg("server: resource cleanup failed")
	}
}

func buildStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return storage.NewPostgresStore(cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
	default:
		return storage.NewMemoryStore(), nil
	}
}

// platformBaseURL resolves the third-party e-commerce platform's API origin.
// The platform client is shared across voucher, rapid-check, and account
// operations, so it isn't tier-scoped the way rental providers are.
func platformBaseURL(cfg *config.Config) string {
	if len(cfg.Upstream.AllowedHostSuffixes) > 0 {
		return "https://" + cfg.Upstream.AllowedHostSuffixes[0]
	}
	return "https://api.platform.example"
}

// buildRentalRegistry constructs one Provider per configured tier and the
// bounded-admission queue for tier_gamma, the single tier spec §4.G names as
// subject to the global cap.
func buildRentalRegistry(cfg *config.Config, client *upstream.Client, breakers *circuitbreaker.Manager) (*rental.Registry, map[storage.RentalTier]*rentalqueue.Queue) {
	byTier := make(map[string]rental.Provider, len(cfg.Rental.Tiers))
	for _, tier := range cfg.Rental.Tiers {
		switch tier.Name {
		case string(storage.TierProviderAlpha):
			byTier[tier.Name] = rental.NewAlphaProvider(client, breakers, tier.BaseURL, tier.APIKey)
		case string(storage.TierProviderBeta):
			byTier[tier.Name] = rental.NewBetaProvider(client, breakers, tier.BaseURL, tier.APIKey)
		case string(storage.TierProviderGamma):
			byTier[tier.Name] = rental.NewGammaProvider(client, breakers, tier.BaseURL, tier.APIKey)
		case string(storage.TierPlatform):
			byTier[tier.Name] = rental.NewPlatformProvider(client, breakers, tier.BaseURL, tier.APIKey)
		}
	}

	queues := make(map[storage.RentalTier]*rentalqueue.Queue)
	if cfg.Queue.Enabled {
		queues[storage.TierProviderGamma] = rentalqueue.New(cfg.Queue.MaxInFlight)
	}

	return rental.NewRegistry(byTier), queues
}

// forbiddenPrefixes returns number prefixes the orchestrator rejects
// regardless of tier (spec §4.I names "995" as the canonical example). Not
// yet surfaced as config; callers wanting a custom list can extend
// RentalConfig and thread it through here.
func forbiddenPrefixes(cfg *config.Config) []string {
	_ = cfg
	return []string{"995"}
}

// seedPrices writes each configured service's price into the registry's
// backing store so the first Lookup call doesn't fail on an unseeded key.
func seedPrices(ctx context.Context, prices *priceregistry.Registry, cfg *config.Config, appLogger zerolog.Logger) {
	seeds := map[string]int64{
		"voucher:save":     cfg.Voucher.PricePerOperation,
		"rapidcheck:lookup": cfg.RapidCheck.Price,
	}
	for _, tier := range cfg.Rental.Tiers {
		seeds["rental:"+tier.Name] = tier.Price
	}

	for serviceKey, price := range seeds {
		if price <= 0 {
			continue
		}
		if err := prices.SetPrice(ctx, serviceKey, price); err != nil {
			appLogger.Error().Err(err).Str("service_key", serviceKey).Msg("server: seed price failed")
		}
	}
}
