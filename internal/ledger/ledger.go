// Package ledger debits and refunds the prepaid credit balance of a user.
//
// Both operations are single atomic statements at the storage layer; callers
// never read the balance and write it back.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"orchestrator/internal/domain"
	"orchestrator/internal/infra"
	"orchestrator/internal/sqlinline"
)

// ErrInsufficientCredits is returned by Debit when the balance does not cover the amount.
var ErrInsufficientCredits = domain.ErrInsufficientCredits

// Gateway is the two-operation contract the dispatcher relies on.
type Gateway interface {
	Debit(ctx context.Context, userID string, amount int) error
	Credit(ctx context.Context, userID string, amount int) error
}

// PostgresGateway implements Gateway on the users.credit_balance column,
// which carries a credit_balance >= 0 check constraint.
type PostgresGateway struct {
	sql infra.SQLExecutor
}

func NewPostgresGateway(sql infra.SQLExecutor) *PostgresGateway {
	return &PostgresGateway{sql: sql}
}

// Debit decrements the balance if it is sufficient. A zero amount succeeds
// without touching storage.
func (g *PostgresGateway) Debit(ctx context.Context, userID string, amount int) error {
	if err := validate(userID, amount); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}
	var balance int
	err := g.sql.QueryRow(ctx, sqlinline.QDebitCredits, userID, amount).Scan(&balance)
	if err != nil {
		if infra.IsNoRows(err) || isCheckViolation(err) {
			return ErrInsufficientCredits
		}
		return fmt.Errorf("ledger: debit: %w", err)
	}
	return nil
}

// Credit increments the balance. It is not idempotent; callers gate refunds
// on a record transition so a refund is issued at most once.
func (g *PostgresGateway) Credit(ctx context.Context, userID string, amount int) error {
	_, err := g.credit(ctx, userID, amount)
	return err
}

// Grant credits the user and returns the resulting balance.
func (g *PostgresGateway) Grant(ctx context.Context, userID string, amount int) (int, error) {
	return g.credit(ctx, userID, amount)
}

// Balance returns the current balance.
func (g *PostgresGateway) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	if err := g.sql.QueryRow(ctx, sqlinline.QSelectCreditBalance, userID).Scan(&balance); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return balance, nil
}

func (g *PostgresGateway) credit(ctx context.Context, userID string, amount int) (int, error) {
	if err := validate(userID, amount); err != nil {
		return 0, err
	}
	var balance int
	err := g.sql.QueryRow(ctx, sqlinline.QCreditCredits, userID, amount).Scan(&balance)
	if err != nil {
		if infra.IsNoRows(err) {
			return 0, fmt.Errorf("ledger: credit user %s: %w", userID, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("ledger: credit: %w", err)
	}
	return balance, nil
}

func validate(userID string, amount int) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("ledger: user id is required")
	}
	if amount < 0 {
		return fmt.Errorf("ledger: negative amount %d", amount)
	}
	return nil
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation
}

var _ Gateway = (*PostgresGateway)(nil)
