package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"orchestrator/internal/adapter/repo"
	"orchestrator/internal/httpclient"
	"orchestrator/internal/infra"
	"orchestrator/internal/infra/credentials"
	"orchestrator/internal/ledger"
	"orchestrator/internal/orchestrator"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel).With().Str("cmd", "reconciler").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	records := repo.NewGenerationRepository(runner)
	settler := orchestrator.NewSettler(ledger.NewPostgresGateway(runner), records, logger)
	settings := credentials.NewResolver(logger,
		credentials.NewStore(runner).Source(cfg.ProviderName),
		credentials.Static{Label: "env", Settings: credentials.Settings{
			APIKey:    cfg.ProviderAPIKey,
			CreateURL: cfg.ProviderCreateURL,
			QueryURL:  cfg.ProviderQueryURL,
		}},
		credentials.Defaults(),
	)
	client := httpclient.New(httpclient.Options{Timeout: cfg.ProviderTimeout, Logger: &logger})
	poller := orchestrator.NewPoller(settings, client, records, settler, logger)
	reconciler := orchestrator.NewReconciler(records, poller, settler, cfg.ReconcileStaleAfter, logger)

	sweep := func() {
		if sum, err := reconciler.Run(ctx); err != nil {
			logger.Error().Err(err).
				Int("scanned", sum.Scanned).
				Int("failed", sum.Failed).
				Int("errors", sum.Errors).
				Msg("reconcile sweep aborted")
		}
	}

	if *once {
		sweep()
		return
	}

	cl := cronLogger{logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(cfg.ReconcileSchedule, sweep); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.ReconcileSchedule).Msg("invalid RECONCILE_SCHEDULE")
	}
	c.Start()
	logger.Info().Str("schedule", cfg.ReconcileSchedule).Dur("stale_after", cfg.ReconcileStaleAfter).Msg("reconciler started")

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info().Msg("reconciler stopped")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
