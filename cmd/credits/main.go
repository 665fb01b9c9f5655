package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"orchestrator/internal/infra"
	"orchestrator/internal/ledger"
)

func main() {
	var (
		userFlag   string
		amountFlag int
	)
	flag.StringVar(&userFlag, "user", "", "user ID to credit (UUID)")
	flag.IntVar(&amountFlag, "amount", 0, "credits to add (> 0)")
	flag.Parse()

	_ = godotenv.Load()

	userID := strings.TrimSpace(userFlag)
	if _, err := uuid.Parse(userID); err != nil {
		exitWithError(fmt.Errorf("-user must be a UUID: %w", err))
	}
	if amountFlag <= 0 {
		exitWithError(errors.New("-amount must be positive"))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "credits").Logger()
	gateway := ledger.NewPostgresGateway(infra.NewSQLRunner(pool, logger))

	balance, err := gateway.Grant(ctx, userID, amountFlag)
	if err != nil {
		exitWithError(fmt.Errorf("failed to grant credits: %w", err))
	}
	fmt.Printf("User %s credited %d, balance=%d\n", userID, amountFlag, balance)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
