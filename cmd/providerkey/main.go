package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"orchestrator/internal/infra"
	"orchestrator/internal/infra/credentials"
)

func main() {
	var (
		keyFlag       string
		providerFlag  string
		createURLFlag string
		queryURLFlag  string
	)
	flag.StringVar(&keyFlag, "key", "", "provider API key (falls back to PROVIDER_API_KEY)")
	flag.StringVar(&providerFlag, "provider", "video", "integration_tokens provider name")
	flag.StringVar(&createURLFlag, "create-url", "", "job creation endpoint (optional)")
	flag.StringVar(&queryURLFlag, "query-url", "", "job status endpoint (optional)")
	flag.Parse()

	_ = godotenv.Load()

	provider := strings.TrimSpace(strings.ToLower(providerFlag))
	if provider == "" {
		exitWithError(fmt.Errorf("-provider is required"))
	}

	key := strings.TrimSpace(keyFlag)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("PROVIDER_API_KEY"))
	}
	if key == "" {
		exitWithError(fmt.Errorf("API key is required via -key or PROVIDER_API_KEY"))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(fmt.Errorf("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to create pool: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "providerkey").Str("provider", provider).Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))

	if err := store.SetSettings(ctx, provider, credentials.Settings{
		APIKey:    key,
		CreateURL: createURLFlag,
		QueryURL:  queryURLFlag,
	}); err != nil {
		exitWithError(fmt.Errorf("failed to persist %s settings: %w", provider, err))
	}

	fmt.Printf("%s provider settings stored successfully\n", provider)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
