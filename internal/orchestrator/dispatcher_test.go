package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"orchestrator/internal/domain"
	"orchestrator/internal/httpclient"
	"orchestrator/internal/idempotency"
	"orchestrator/internal/infra/credentials"
	"orchestrator/internal/ledger"
	"orchestrator/internal/providers/video"
)

type harness struct {
	ledger     *ledger.Memory
	records    *memRecords
	provider   *provider
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, balance int, create http.HandlerFunc, mutate ...func(*DispatcherOptions)) *harness {
	t.Helper()
	h := &harness{
		ledger:   ledger.NewMemory(map[string]int{"user-1": balance}),
		records:  newMemRecords(),
		provider: newProvider(t, create, nil),
	}
	opts := DispatcherOptions{
		Ledger:   h.ledger,
		Records:  h.records,
		Settings: h.provider.settings(),
		Client:   httpclient.New(httpclient.Options{}),
		Costs:    testCosts,
		Policy:   testPolicy(),
		Logger:   zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.dispatcher = NewDispatcher(opts)
	return h
}

func soraRequest() DispatchRequest {
	return DispatchRequest{
		UserID:  "user-1",
		Request: video.GenerationRequest{Model: "sora-2", Prompt: "a cat surfing", AspectRatio: "16:9"},
	}
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	var oe *Error
	require.True(t, errors.As(err, &oe), "expected *Error, got %T", err)
	require.Equal(t, kind, oe.Kind, oe.Error())
	return oe
}

func TestDispatchAccepted(t *testing.T) {
	var got map[string]any
	h := newHarness(t, 25, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		respond(http.StatusOK, `{"id":"job-1","status":"pending"}`)(w, r)
	})

	handle, err := h.dispatcher.Dispatch(context.Background(), soraRequest())
	require.NoError(t, err)

	assert.Equal(t, "job-1", handle.ProviderID)
	assert.JSONEq(t, `{"id":"job-1","status":"pending"}`, string(handle.Raw))
	assert.Equal(t, 10, handle.Cost)
	assert.Equal(t, 15, h.ledger.Balance("user-1"))
	assert.Empty(t, h.ledger.Credits())
	assert.Equal(t, "landscape", got["orientation"])

	recs := h.records.all()
	require.Len(t, recs, 1)
	assert.Equal(t, handle.GenerationID, recs[0].ID)
	assert.Equal(t, domain.GenerationProcessing, recs[0].Status)
	assert.Equal(t, "job-1", recs[0].ProviderJobID)
	assert.Equal(t, 10, recs[0].Cost)
}

func TestDispatchInsufficientCreditsNeverCallsProvider(t *testing.T) {
	h := newHarness(t, 5, respond(http.StatusOK, `{"id":"job-1"}`))

	_, err := h.dispatcher.Dispatch(context.Background(), soraRequest())
	oe := requireKind(t, err, KindInsufficientCredits)

	assert.Equal(t, http.StatusPaymentRequired, oe.Status)
	assert.Equal(t, int32(0), h.provider.creates.Load())
	assert.Equal(t, 5, h.ledger.Balance("user-1"))
	assert.Empty(t, h.records.all())
}

func TestDispatchConfigurationMissingDoesNotDebit(t *testing.T) {
	gateway := &mockLedger{}
	d := NewDispatcher(DispatcherOptions{
		Ledger:   gateway,
		Settings: credentials.NewResolver(zerolog.Nop(), credentials.Defaults()),
		Client:   httpclient.New(httpclient.Options{}),
		Costs:    testCosts,
		Logger:   zerolog.Nop(),
	})

	_, err := d.Dispatch(context.Background(), soraRequest())
	oe := requireKind(t, err, KindConfigurationMissing)

	assert.Equal(t, http.StatusInternalServerError, oe.Status)
	assert.ErrorIs(t, err, credentials.ErrIncomplete)
	gateway.AssertNotCalled(t, "Debit", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatchValidatesBeforeDebit(t *testing.T) {
	gateway := &mockLedger{}
	d := NewDispatcher(DispatcherOptions{Ledger: gateway, Logger: zerolog.Nop()})

	_, err := d.Dispatch(context.Background(), DispatchRequest{UserID: "user-1", Request: video.GenerationRequest{Prompt: "x"}})
	requireKind(t, err, KindInvalidRequest)
	_, err = d.Dispatch(context.Background(), DispatchRequest{UserID: "user-1", Request: video.GenerationRequest{Model: "veo3"}})
	requireKind(t, err, KindInvalidRequest)

	gateway.AssertNotCalled(t, "Debit", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatchCompensatesEmbeddedError(t *testing.T) {
	h := newHarness(t, 25, respond(http.StatusOK, `{"error":{"message":"quota"}}`))

	_, err := h.dispatcher.Dispatch(context.Background(), soraRequest())
	oe := requireKind(t, err, KindProviderRejected)

	assert.False(t, oe.RefundFailed)
	assert.JSONEq(t, `{"error":{"message":"quota"}}`, string(oe.Details))
	assert.Equal(t, []ledger.Entry{{UserID: "user-1", Amount: 10}}, h.ledger.Debits())
	assert.Equal(t, h.ledger.Debits(), h.ledger.Credits())
	assert.Equal(t, 25, h.ledger.Balance("user-1"))

	recs := h.records.all()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.GenerationFailed, recs[0].Status)
	assert.Contains(t, recs[0].ErrorReason, "quota")
}

func TestDispatchCompensatesAfterRetriesExhausted(t *testing.T) {
	h := newHarness(t, 25, respond(http.StatusServiceUnavailable, `{"message":"overloaded"}`))

	_, err := h.dispatcher.Dispatch(context.Background(), soraRequest())
	oe := requireKind(t, err, KindProviderRejected)

	assert.Equal(t, http.StatusServiceUnavailable, oe.Status)
	assert.JSONEq(t, `{"message":"overloaded"}`, string(oe.Details))
	assert.Equal(t, int32(3), h.provider.creates.Load())
	assert.Equal(t, 25, h.ledger.Balance("user-1"))
	assert.Len(t, h.ledger.Credits(), 1)
}

func TestDispatchContentFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, 25, respond(http.StatusBadRequest, `{"error":"prompt rejected"}`))

	_, err := h.dispatcher.Dispatch(context.Background(), soraRequest())
	oe := requireKind(t, err, KindProviderRejected)

	assert.Equal(t, http.StatusBadRequest, oe.Status)
	assert.Equal(t, int32(1), h.provider.creates.Load())
	assert.Equal(t, 25, h.ledger.Balance("user-1"))
}

func TestDispatchCompensatesMalformedResponse(t *testing.T) {
	for _, body := range []string{`<html>oops</html>`, `{"status":"queued"}`} {
		h := newHarness(t, 25, respond(http.StatusOK, body))

		_, err := h.dispatcher.Dispatch(context.Background(), soraRequest())
		requireKind(t, err, KindMalformedResponse)
		assert.Equal(t, 25, h.ledger.Balance("user-1"), body)
	}
}

func TestDispatchCompensatesUnreachableProvider(t *testing.T) {
	h := newHarness(t, 25, respond(http.StatusOK, `{"id":"job-1"}`))
	h.provider.Close()

	_, err := h.dispatcher.Dispatch(context.Background(), soraRequest())
	requireKind(t, err, KindProviderUnreachable)
	assert.Equal(t, 25, h.ledger.Balance("user-1"))
	assert.Equal(t, h.ledger.Debits(), h.ledger.Credits())
}

func TestDispatchZeroCostModelUsesSameAmount(t *testing.T) {
	h := newHarness(t, 0, respond(http.StatusBadGateway, `bad gateway`))

	req := soraRequest()
	req.Request.Model = "unlisted-model"
	_, err := h.dispatcher.Dispatch(context.Background(), req)
	requireKind(t, err, KindProviderRejected)

	assert.Equal(t, []ledger.Entry{{UserID: "user-1", Amount: 0}}, h.ledger.Debits())
	assert.Equal(t, h.ledger.Debits(), h.ledger.Credits())
	assert.Equal(t, 0, h.ledger.Balance("user-1"))
}

func TestDispatchFlagsRefundFailure(t *testing.T) {
	mem := ledger.NewMemory(map[string]int{"user-1": 25})
	h := newHarness(t, 25, respond(http.StatusOK, `{"error":{"message":"quota"}}`), func(o *DispatcherOptions) {
		o.Ledger = refundFailingLedger{Memory: mem}
	})

	_, err := h.dispatcher.Dispatch(context.Background(), soraRequest())
	oe := requireKind(t, err, KindProviderRejected)

	assert.True(t, oe.RefundFailed)
	assert.Equal(t, 15, mem.Balance("user-1"))
}

func TestDispatchCompensatesOnPanicAfterDebit(t *testing.T) {
	h := newHarness(t, 25, respond(http.StatusOK, `{"id":"job-1"}`), func(o *DispatcherOptions) {
		o.Client = panicSender{}
	})

	assert.Panics(t, func() {
		_, _ = h.dispatcher.Dispatch(context.Background(), soraRequest())
	})
	assert.Equal(t, 25, h.ledger.Balance("user-1"))
	assert.Len(t, h.ledger.Credits(), 1)
}

func TestDispatchRefundSurvivesCancelledRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, 25, func(w http.ResponseWriter, r *http.Request) {
		cancel()
		respond(http.StatusInternalServerError, `{}`)(w, r)
	})

	_, err := h.dispatcher.Dispatch(ctx, soraRequest())
	require.Error(t, err)
	assert.Equal(t, 25, h.ledger.Balance("user-1"))
}

func TestDispatchConcurrentFailuresConserveBalance(t *testing.T) {
	h := newHarness(t, 100, respond(http.StatusOK, `{"error":"busy"}`))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.dispatcher.Dispatch(context.Background(), soraRequest())
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, h.ledger.Balance("user-1"))
	assert.Len(t, h.ledger.Debits(), 10)
	assert.Len(t, h.ledger.Credits(), 10)
}

func newIdempotencyStore(t *testing.T) idempotency.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return idempotency.NewRedisStore(client, time.Hour)
}

func TestDispatchReplaysCompletedIdempotencyKey(t *testing.T) {
	store := newIdempotencyStore(t)
	h := newHarness(t, 25, respond(http.StatusOK, `{"id":"job-1"}`), func(o *DispatcherOptions) {
		o.Idempotency = store
	})
	req := soraRequest()
	req.IdempotencyKey = "k-1"
	req.Fingerprint = "body-hash"

	first, err := h.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	second, err := h.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, "job-1", second.ProviderID)
	assert.JSONEq(t, string(first.Raw), string(second.Raw))
	assert.Equal(t, int32(1), h.provider.creates.Load())
	assert.Equal(t, 15, h.ledger.Balance("user-1"))
}

func TestDispatchReleasesIdempotencyKeyOnFailure(t *testing.T) {
	store := newIdempotencyStore(t)
	h := newHarness(t, 25, respond(http.StatusBadRequest, `{"error":"nope"}`), func(o *DispatcherOptions) {
		o.Idempotency = store
	})
	req := soraRequest()
	req.IdempotencyKey = "k-1"

	_, err := h.dispatcher.Dispatch(context.Background(), req)
	requireKind(t, err, KindProviderRejected)
	_, err = h.dispatcher.Dispatch(context.Background(), req)
	requireKind(t, err, KindProviderRejected)

	assert.Equal(t, int32(2), h.provider.creates.Load())
	assert.Equal(t, 25, h.ledger.Balance("user-1"))
}

func TestDispatchRejectsInFlightDuplicate(t *testing.T) {
	store := newIdempotencyStore(t)
	_, err := store.Begin(context.Background(), "user-1", "k-1", "")
	require.NoError(t, err)

	h := newHarness(t, 25, respond(http.StatusOK, `{"id":"job-1"}`), func(o *DispatcherOptions) {
		o.Idempotency = store
	})
	req := soraRequest()
	req.IdempotencyKey = "k-1"

	_, err = h.dispatcher.Dispatch(context.Background(), req)
	oe := requireKind(t, err, KindDuplicateRequest)
	assert.Equal(t, http.StatusConflict, oe.Status)
	assert.Empty(t, h.ledger.Debits())
}
