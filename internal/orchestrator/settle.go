package orchestrator

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"orchestrator/internal/domain"
	"orchestrator/internal/ledger"
	"orchestrator/internal/providers/video"
)

// Settler moves generation records to a terminal state and issues the
// compensating credit for failed ones. A record is refunded only by the
// caller whose MarkFailed performed the transition, so the dispatcher, the
// poll path and the reconciler never refund the same record twice.
type Settler struct {
	ledger  ledger.Gateway
	records domain.GenerationRepository
	logger  zerolog.Logger
}

func NewSettler(gateway ledger.Gateway, records domain.GenerationRepository, logger zerolog.Logger) *Settler {
	return &Settler{ledger: gateway, records: records, logger: logger}
}

// Fail marks rec failed and refunds rec.Cost. Without a repository, or for a
// record that was never persisted, the refund is issued unconditionally.
// When MarkFailed errors no refund is issued: the record stays open and the
// reconciler refunds it once the transition succeeds. It returns whether a
// refund was issued and the error, if any.
func (s *Settler) Fail(ctx context.Context, rec domain.GenerationRecord, reason string) (bool, error) {
	if s.records != nil && rec.ID != "" {
		changed, err := s.records.MarkFailed(ctx, rec.ID, reason)
		switch {
		case err != nil:
			refundsTotal.WithLabelValues("deferred").Inc()
			s.logger.Error().
				Err(err).
				Str("user_id", rec.UserID).
				Int("cost", rec.Cost).
				Str("generation_id", rec.ID).
				Msg("mark generation failed, refund deferred")
			return false, errors.Join(errRefundDeferred, err)
		case !changed:
			refundsTotal.WithLabelValues("skipped").Inc()
			s.logger.Info().Str("generation_id", rec.ID).Msg("generation already settled, refund skipped")
			return false, nil
		}
	}
	return true, s.refund(ctx, rec)
}

// Succeed marks rec successful. It reports whether this call made the transition.
func (s *Settler) Succeed(ctx context.Context, rec domain.GenerationRecord, url string) (bool, error) {
	if s.records == nil || rec.ID == "" {
		return false, nil
	}
	return s.records.MarkSucceeded(ctx, rec.ID, url)
}

// Apply settles rec according to a classified provider status. Running
// jobs are left alone.
func (s *Settler) Apply(ctx context.Context, rec domain.GenerationRecord, status video.JobStatus) error {
	if rec.Status.Terminal() {
		return nil
	}
	switch status.State {
	case video.StateSucceeded:
		_, err := s.Succeed(ctx, rec, status.URL)
		return err
	case video.StateFailed:
		_, err := s.Fail(ctx, rec, status.Reason)
		return err
	}
	return nil
}

func (s *Settler) refund(ctx context.Context, rec domain.GenerationRecord) error {
	if err := s.ledger.Credit(ctx, rec.UserID, rec.Cost); err != nil {
		refundsTotal.WithLabelValues("failed").Inc()
		s.logger.Error().
			Err(err).
			Str("user_id", rec.UserID).
			Int("cost", rec.Cost).
			Str("model", rec.Model).
			Str("generation_id", rec.ID).
			Msg("refund failed")
		return errors.Join(errRefund, err)
	}
	refundsTotal.WithLabelValues("succeeded").Inc()
	s.logger.Info().
		Str("user_id", rec.UserID).
		Int("cost", rec.Cost).
		Str("generation_id", rec.ID).
		Msg("refund issued")
	return nil
}

var (
	errRefund         = errors.New("refund failed")
	errRefundDeferred = errors.New("refund deferred")
)
