package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"orchestrator/internal/domain"
	"orchestrator/internal/providers/video"
)

// ReconcileSummary counts what one sweep did.
type ReconcileSummary struct {
	Scanned int
	Failed  int
	Polled  int
	Settled int
	Errors  int
}

// Reconciler closes records stuck in a non-terminal state. A pending record
// older than the threshold was debited but never got a provider job id, so
// it is failed and refunded. A processing record is polled once.
type Reconciler struct {
	records    domain.GenerationRepository
	poller     *Poller
	settler    *Settler
	staleAfter time.Duration
	batch      int
	logger     zerolog.Logger
	now        func() time.Time
}

func NewReconciler(records domain.GenerationRepository, poller *Poller, settler *Settler, staleAfter time.Duration, logger zerolog.Logger) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	return &Reconciler{
		records:    records,
		poller:     poller,
		settler:    settler,
		staleAfter: staleAfter,
		batch:      100,
		logger:     logger,
		now:        time.Now,
	}
}

// Run performs one sweep.
func (r *Reconciler) Run(ctx context.Context) (ReconcileSummary, error) {
	var sum ReconcileSummary
	stale, err := r.records.ListStale(ctx, r.now().Add(-r.staleAfter), r.batch)
	if err != nil {
		return sum, err
	}
	sum.Scanned = len(stale)
	for _, rec := range stale {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		log := r.logger.With().Str("generation_id", rec.ID).Str("status", string(rec.Status)).Logger()

		if rec.Status == domain.GenerationPending || rec.ProviderJobID == "" {
			refunded, err := r.settler.Fail(ctx, rec, reasonUnknownOutcome)
			if err != nil {
				sum.Errors++
				continue
			}
			if refunded {
				sum.Failed++
			}
			continue
		}

		status, err := r.poller.Poll(ctx, rec.ProviderJobID)
		sum.Polled++
		if err != nil {
			sum.Errors++
			log.Warn().Err(err).Msg("reconcile poll failed")
			continue
		}
		if err := r.settler.Apply(ctx, rec, status.Job); err != nil {
			sum.Errors++
			log.Warn().Err(err).Msg("reconcile settle failed")
			continue
		}
		if status.Job.State != video.StateRunning {
			sum.Settled++
		}
	}
	r.logger.Info().
		Int("scanned", sum.Scanned).
		Int("failed", sum.Failed).
		Int("polled", sum.Polled).
		Int("settled", sum.Settled).
		Int("errors", sum.Errors).
		Msg("reconcile sweep finished")
	return sum, nil
}
