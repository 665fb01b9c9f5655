package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"orchestrator/internal/adapter/repo"
	"orchestrator/internal/http/handlers"
	httpapi "orchestrator/internal/http/httpapi"
	"orchestrator/internal/httpclient"
	"orchestrator/internal/idempotency"
	"orchestrator/internal/infra"
	"orchestrator/internal/infra/credentials"
	"orchestrator/internal/infra/geoip"
	"orchestrator/internal/ledger"
	"orchestrator/internal/middleware"
	"orchestrator/internal/orchestrator"
	"orchestrator/internal/providers/video"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()
	runner := infra.NewSQLRunner(dbpool, logger)

	checks := []handlers.Check{{Name: "database", Ping: dbpool.Ping}}

	var idem idempotency.Store
	rdb, err := infra.NewRedisClient(ctx, cfg)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("redis unavailable, idempotency keys disabled")
	case rdb == nil:
		logger.Info().Msg("REDIS_URL not set, idempotency keys disabled")
	default:
		defer rdb.Close()
		idem = idempotency.NewRedisStore(rdb, cfg.IdempotencyTTL)
		checks = append(checks, handlers.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	var countryLookup middleware.CountryLookup
	geo, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip database unavailable")
	} else if geo != nil {
		defer geo.Close()
		countryLookup = geo.CountryCode
	}

	settings := newSettingsResolver(cfg, runner, logger)
	client := httpclient.New(httpclient.Options{Timeout: cfg.ProviderTimeout, Logger: &logger})
	records := repo.NewGenerationRepository(runner)
	gateway := ledger.NewPostgresGateway(runner)
	costs := ledger.NewCostTable(cfg.ModelCosts)
	if costs.Len() == 0 {
		logger.Warn().Msg("MODEL_COSTS is empty, every model is free")
	}

	dispatcher := orchestrator.NewDispatcher(orchestrator.DispatcherOptions{
		Ledger:   gateway,
		Records:  records,
		Settings: settings,
		Client:   client,
		Builder:  video.NewBuilder(video.DefaultOrientations()),
		Costs:    costs,
		Policy: httpclient.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			RetryDelay:  cfg.RetryDelay,
		},
		Idempotency: idem,
		Logger:      logger,
	})
	settler := orchestrator.NewSettler(gateway, records, logger)
	poller := orchestrator.NewPoller(settings, client, records, settler, logger)

	app := handlers.NewApp(dispatcher, poller, logger, checks...)
	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:       cfg.JWTSecret,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		DefaultLocale:   cfg.DefaultLocale,
		CountryLookup:   countryLookup,
		Logger:          logger,
	})

	server := infra.NewHTTPServer(cfg, router, logger)
	if err := server.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("http server failed")
	}
}

// newSettingsResolver orders provider settings sources: the stored
// integration token, then the environment, then local defaults.
func newSettingsResolver(cfg *infra.Config, sql infra.SQLExecutor, logger infra.Logger) *credentials.Resolver {
	store := credentials.NewStore(sql)
	env := credentials.Static{Label: "env", Settings: credentials.Settings{
		APIKey:    cfg.ProviderAPIKey,
		CreateURL: cfg.ProviderCreateURL,
		QueryURL:  cfg.ProviderQueryURL,
	}}
	return credentials.NewResolver(logger, store.Source(cfg.ProviderName), env, credentials.Defaults())
}
