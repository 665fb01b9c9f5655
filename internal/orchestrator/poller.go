package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"orchestrator/internal/domain"
	"orchestrator/internal/httpclient"
	"orchestrator/internal/providers/video"
)

// single attempt: the caller's polling cadence is the retry mechanism.
var pollPolicy = httpclient.Policy{MaxAttempts: 1, ShouldRetry: func(*http.Response) bool { return false }}

// ProviderStatus is a relayed poll response. Body is exactly what the
// provider returned.
type ProviderStatus struct {
	StatusCode int
	Body       []byte
	Job        video.JobStatus
}

// Poller queries the provider for job status. It holds no per-job state.
type Poller struct {
	settings SettingsResolver
	client   Sender
	records  domain.GenerationRepository
	settler  *Settler
	logger   zerolog.Logger
}

// NewPoller wires a Poller. With a nil settler, PollFor only relays.
func NewPoller(settings SettingsResolver, client Sender, records domain.GenerationRepository, settler *Settler, logger zerolog.Logger) *Poller {
	return &Poller{settings: settings, client: client, records: records, settler: settler, logger: logger}
}

// Poll issues one query for jobID. A non-2xx answer is returned as an
// *Error carrying the provider's status and raw body.
func (p *Poller) Poll(ctx context.Context, jobID string) (*ProviderStatus, error) {
	status, err := p.poll(ctx, jobID)
	result := "ok"
	if err != nil {
		result = string(AsError(err).Kind)
	}
	pollTotal.WithLabelValues(result).Inc()
	return status, err
}

func (p *Poller) poll(ctx context.Context, jobID string) (*ProviderStatus, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, invalidRequest("taskId is required")
	}
	settings, err := p.settings.Resolve(ctx)
	if err != nil {
		return nil, newError(KindConfigurationMissing, http.StatusInternalServerError, "provider is not configured", err)
	}
	req, err := video.NewQueryRequest(ctx, settings.QueryURL, settings.APIKey, jobID)
	if err != nil {
		return nil, newError(KindConfigurationMissing, http.StatusInternalServerError, "invalid query endpoint", err)
	}
	resp, err := p.client.Send(ctx, req, pollPolicy)
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
	if !gjson.ValidBytes(body) {
		e := newError(KindMalformedResponse, http.StatusBadGateway, "provider status is not JSON", nil)
		e.Details = body
		return nil, e
	}
	return &ProviderStatus{StatusCode: resp.StatusCode, Body: body, Job: video.ClassifyStatus(body)}, nil
}

// PollFor polls on behalf of userID and, when the job belongs to one of
// the user's records, settles that record on a terminal status. Settling
// never changes what is relayed.
func (p *Poller) PollFor(ctx context.Context, userID, jobID string) (*ProviderStatus, error) {
	status, err := p.Poll(ctx, jobID)
	if err != nil || p.records == nil || p.settler == nil || status.Job.State == video.StateRunning {
		return status, err
	}
	rec, rerr := p.records.GetByProviderJobID(ctx, userID, strings.TrimSpace(jobID))
	if rerr != nil {
		if !errors.Is(rerr, domain.ErrNotFound) {
			p.logger.Warn().Err(rerr).Str("provider_job_id", jobID).Msg("lookup generation for poll")
		}
		return status, nil
	}
	if serr := p.settler.Apply(context.WithoutCancel(ctx), *rec, status.Job); serr != nil {
		p.logger.Warn().Err(serr).Str("generation_id", rec.ID).Str("state", status.Job.State.String()).Msg("settle generation from poll")
	}
	return status, nil
}
