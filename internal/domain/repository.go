package domain

import (
	"context"
	"time"
)

// GenerationRepository persists generation records. The Mark* transitions are
// conditional on the record not being terminal yet and report whether this
// call performed the transition.
type GenerationRepository interface {
	Create(ctx context.Context, rec *GenerationRecord) error
	MarkProcessing(ctx context.Context, id, providerJobID string) error
	MarkSucceeded(ctx context.Context, id, url string) (bool, error)
	MarkFailed(ctx context.Context, id, reason string) (bool, error)
	GetByProviderJobID(ctx context.Context, userID, providerJobID string) (*GenerationRecord, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]GenerationRecord, error)
}
