// Package orchestrator debits credits, dispatches generation jobs to the
// provider, compensates failed dispatches and relays job status.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"orchestrator/internal/domain"
	"orchestrator/internal/httpclient"
	"orchestrator/internal/idempotency"
	"orchestrator/internal/infra/credentials"
	"orchestrator/internal/ledger"
	"orchestrator/internal/providers/video"
)

const (
	maxProviderBody      = 4 << 20
	defaultRefundTimeout = 10 * time.Second

	reasonUnknownOutcome = "dispatch outcome unknown"
)

// SettingsResolver yields the provider key and endpoints.
type SettingsResolver interface {
	Resolve(ctx context.Context) (credentials.Settings, error)
}

// Sender issues provider requests under a retry policy.
type Sender interface {
	Send(ctx context.Context, req *http.Request, policy httpclient.Policy) (*http.Response, error)
}

// DispatcherOptions wires a Dispatcher. Records and Idempotency are optional.
type DispatcherOptions struct {
	Ledger        ledger.Gateway
	Records       domain.GenerationRepository
	Settings      SettingsResolver
	Client        Sender
	Builder       *video.Builder
	Costs         ledger.CostTable
	Policy        httpclient.Policy
	Idempotency   idempotency.Store
	Logger        zerolog.Logger
	RefundTimeout time.Duration
}

// Dispatcher runs debit, submit and, on failure, compensation.
type Dispatcher struct {
	ledger        ledger.Gateway
	records       domain.GenerationRepository
	settings      SettingsResolver
	client        Sender
	builder       *video.Builder
	costs         ledger.CostTable
	policy        httpclient.Policy
	idem          idempotency.Store
	settler       *Settler
	logger        zerolog.Logger
	refundTimeout time.Duration
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	builder := opts.Builder
	if builder == nil {
		builder = video.NewBuilder(video.DefaultOrientations())
	}
	timeout := opts.RefundTimeout
	if timeout <= 0 {
		timeout = defaultRefundTimeout
	}
	return &Dispatcher{
		ledger:        opts.Ledger,
		records:       opts.Records,
		settings:      opts.Settings,
		client:        opts.Client,
		builder:       builder,
		costs:         opts.Costs,
		policy:        opts.Policy,
		idem:          opts.Idempotency,
		settler:       NewSettler(opts.Ledger, opts.Records, opts.Logger),
		logger:        opts.Logger,
		refundTimeout: timeout,
	}
}

// DispatchRequest is one user's generation request.
type DispatchRequest struct {
	UserID  string
	Request video.GenerationRequest
	// IdempotencyKey is optional. Fingerprint identifies the request body
	// so a reused key with a different body is rejected.
	IdempotencyKey string
	Fingerprint    string
	// Meta is stored on the generation record.
	Meta json.RawMessage
}

// JobHandle is the outcome of a successful dispatch. Raw is the provider's
// creation response, relayed to the client unmodified.
type JobHandle struct {
	ProviderID   string
	Raw          json.RawMessage
	GenerationID string
	Cost         int
	Replayed     bool
}

// Dispatch debits the model cost, submits the job and returns its handle.
// Every failure after a successful debit issues one compensating credit of
// the same cost before returning.
func (d *Dispatcher) Dispatch(ctx context.Context, in DispatchRequest) (handle *JobHandle, err error) {
	defer func() { observeDispatch(handle, err) }()

	req := in.Request
	if strings.TrimSpace(in.UserID) == "" {
		return nil, newError(KindInvalidRequest, http.StatusUnauthorized, "user is required", nil)
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, invalidRequest("model is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, invalidRequest("prompt is required")
	}

	settings, err := d.settings.Resolve(ctx)
	if err != nil {
		return nil, newError(KindConfigurationMissing, http.StatusInternalServerError, "provider is not configured", err)
	}

	// Captured once; the same value is debited and, on failure, refunded.
	cost := d.costs.Cost(req.Model)

	owned, replay, err := d.begin(ctx, in)
	if err != nil || replay != nil {
		return replay, err
	}
	defer func() {
		if owned {
			d.finish(ctx, in, handle, err)
		}
	}()

	if err := d.ledger.Debit(ctx, in.UserID, cost); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return nil, newError(KindInsufficientCredits, http.StatusPaymentRequired, "insufficient credits", err)
		}
		return nil, newError(KindInternal, http.StatusInternalServerError, "debit failed", err)
	}

	rec := domain.GenerationRecord{
		UserID: in.UserID,
		Type:   domain.GenerationTypeVideo,
		Model:  strings.TrimSpace(req.Model),
		Cost:   cost,
		Status: domain.GenerationPending,
		Meta:   in.Meta,
	}
	settled := false
	defer func() {
		if p := recover(); p != nil {
			if !settled {
				d.compensate(ctx, rec, fmt.Sprintf("panic: %v", p))
			}
			panic(p)
		}
	}()

	if d.records != nil {
		if cerr := d.record(ctx, func(cctx context.Context) error { return d.records.Create(cctx, &rec) }); cerr != nil {
			d.logger.Error().Err(cerr).Str("user_id", in.UserID).Msg("create generation record")
			rec.ID = ""
		}
	}

	handle, derr := d.submit(ctx, settings, req)
	if derr != nil {
		settled = true
		derr.RefundFailed = d.compensate(ctx, rec, derr.Error()) != nil
		d.logger.Warn().
			Err(derr).
			Str("user_id", in.UserID).
			Str("model", rec.Model).
			Str("generation_id", rec.ID).
			Int("cost", cost).
			Bool("refund_failed", derr.RefundFailed).
			Msg("dispatch failed")
		return nil, derr
	}
	settled = true

	handle.GenerationID = rec.ID
	handle.Cost = cost
	if d.records != nil && rec.ID != "" {
		markProcessing := func(cctx context.Context) error { return d.records.MarkProcessing(cctx, rec.ID, handle.ProviderID) }
		if merr := d.record(ctx, markProcessing); merr != nil {
			d.logger.Error().Err(merr).Str("generation_id", rec.ID).Str("provider_job_id", handle.ProviderID).Msg("mark generation processing")
		}
	}
	d.logger.Info().
		Str("user_id", in.UserID).
		Str("model", rec.Model).
		Str("generation_id", rec.ID).
		Str("provider_job_id", handle.ProviderID).
		Int("cost", cost).
		Msg("dispatch accepted")
	return handle, nil
}

func (d *Dispatcher) submit(ctx context.Context, settings credentials.Settings, req video.GenerationRequest) (*JobHandle, *Error) {
	payload := d.builder.Build(req)
	httpReq, err := video.NewCreateRequest(ctx, settings.CreateURL, settings.APIKey, payload)
	if err != nil {
		return nil, newError(KindInternal, http.StatusInternalServerError, "build provider request", err)
	}

	resp, err := d.client.Send(ctx, httpReq, d.policy)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		return nil, newError(KindProviderUnreachable, status, "provider unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return nil, newError(KindProviderUnreachable, http.StatusBadGateway, "read provider response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := newError(KindProviderRejected, providerStatus(resp.StatusCode), fmt.Sprintf("provider returned %d", resp.StatusCode), nil)
		e.Details = body
		return nil, e
	}

	id, err := video.ParseCreateResponse(body)
	if err != nil {
		var embedded *video.EmbeddedError
		kind := KindMalformedResponse
		if errors.As(err, &embedded) {
			kind = KindProviderRejected
		}
		e := newError(kind, http.StatusBadGateway, "provider did not create the job", err)
		e.Details = body
		return nil, e
	}
	return &JobHandle{ProviderID: id, Raw: json.RawMessage(body)}, nil
}

// record runs a generation record write detached from the request context,
// bounded by the refund timeout.
func (d *Dispatcher) record(ctx context.Context, write func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.refundTimeout)
	defer cancel()
	return write(cctx)
}

// compensate runs detached from the request context so a client that gave
// up does not cancel the refund.
func (d *Dispatcher) compensate(ctx context.Context, rec domain.GenerationRecord, reason string) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.refundTimeout)
	defer cancel()
	_, err := d.settler.Fail(cctx, rec, reason)
	return err
}

func (d *Dispatcher) begin(ctx context.Context, in DispatchRequest) (bool, *JobHandle, error) {
	if d.idem == nil || in.IdempotencyKey == "" {
		return false, nil, nil
	}
	entry, err := d.idem.Begin(ctx, in.UserID, in.IdempotencyKey, in.Fingerprint)
	switch {
	case errors.Is(err, idempotency.ErrInProgress):
		return false, nil, newError(KindDuplicateRequest, http.StatusConflict, "request with this idempotency key is in progress", err)
	case errors.Is(err, idempotency.ErrConflict):
		return false, nil, newError(KindDuplicateRequest, http.StatusUnprocessableEntity, "idempotency key reused with a different body", err)
	case err != nil:
		d.logger.Warn().Err(err).Str("user_id", in.UserID).Msg("idempotency guard unavailable")
		return false, nil, nil
	case entry != nil:
		id, _ := video.ParseCreateResponse(entry.Response)
		return false, &JobHandle{ProviderID: id, Raw: entry.Response, Replayed: true}, nil
	}
	return true, nil, nil
}

func (d *Dispatcher) finish(ctx context.Context, in DispatchRequest, handle *JobHandle, err error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.refundTimeout)
	defer cancel()
	if err != nil || handle == nil {
		if rerr := d.idem.Release(cctx, in.UserID, in.IdempotencyKey); rerr != nil {
			d.logger.Warn().Err(rerr).Msg("release idempotency key")
		}
		return
	}
	if cerr := d.idem.Complete(cctx, in.UserID, in.IdempotencyKey, in.Fingerprint, handle.Raw); cerr != nil {
		d.logger.Warn().Err(cerr).Msg("store idempotent response")
	}
}
