package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"orchestrator/internal/domain"
	"orchestrator/internal/infra"
	"orchestrator/internal/sqlinline"
)

// GenerationRepositoryPG implements domain.GenerationRepository.
type GenerationRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewGenerationRepository creates a repository over the marker-tagged SQL runner.
func NewGenerationRepository(sql infra.SQLExecutor) *GenerationRepositoryPG {
	return &GenerationRepositoryPG{sql: sql}
}

// Create inserts a pending record. An empty ID is filled with a new UUID.
func (r *GenerationRepositoryPG) Create(ctx context.Context, rec *domain.GenerationRecord) error {
	if rec == nil {
		return errors.New("generation record is nil")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Type == "" {
		rec.Type = domain.GenerationTypeVideo
	}
	_, err := r.sql.Exec(ctx, sqlinline.QInsertGeneration,
		rec.ID,
		rec.UserID,
		string(rec.Type),
		rec.Model,
		rec.Cost,
		nullableBytes(rec.Meta),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("generation %s: %w", rec.ID, domain.ErrDuplicateOperation)
		}
		return err
	}
	rec.Status = domain.GenerationPending
	return nil
}

// MarkProcessing attaches the provider job id to a pending record.
func (r *GenerationRepositoryPG) MarkProcessing(ctx context.Context, id, providerJobID string) error {
	tag, err := r.sql.Exec(ctx, sqlinline.QMarkGenerationProcessing, id, providerJobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("generation %s not pending: %w", id, domain.ErrNotFound)
	}
	return nil
}

// MarkSucceeded reports whether this call moved the record to success.
func (r *GenerationRepositoryPG) MarkSucceeded(ctx context.Context, id, url string) (bool, error) {
	tag, err := r.sql.Exec(ctx, sqlinline.QMarkGenerationSucceeded, id, url)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed reports whether this call moved the record to failed. Only
// the caller that gets true may refund the cost.
func (r *GenerationRepositoryPG) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	tag, err := r.sql.Exec(ctx, sqlinline.QMarkGenerationFailed, id, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetByProviderJobID fetches the caller's record for a provider job.
func (r *GenerationRepositoryPG) GetByProviderJobID(ctx context.Context, userID, providerJobID string) (*domain.GenerationRecord, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectGenerationByProviderJob, userID, providerJobID)
	rec, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListStale returns non-terminal records not updated since before, oldest first.
func (r *GenerationRepositoryPG) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.GenerationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.sql.Query(ctx, sqlinline.QSelectStaleGenerations, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.GenerationRecord
	for rows.Next() {
		rec, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanGeneration(row pgx.Row) (*domain.GenerationRecord, error) {
	var (
		rec    domain.GenerationRecord
		typ    string
		status string
		meta   []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&typ,
		&rec.Model,
		&rec.Cost,
		&status,
		&rec.ProviderJobID,
		&rec.URL,
		&rec.ErrorReason,
		&meta,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Type = domain.GenerationType(typ)
	rec.Status = domain.GenerationStatus(status)
	rec.Meta = meta
	return &rec, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ domain.GenerationRepository = (*GenerationRepositoryPG)(nil)
