package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"

	"orchestrator/internal/domain"
	"orchestrator/internal/httpclient"
	"orchestrator/internal/infra/credentials"
	"orchestrator/internal/ledger"
)

// memRecords is an in-memory GenerationRepository with the same
// conditional transitions as the SQL statements.
type memRecords struct {
	mu   sync.Mutex
	recs map[string]*domain.GenerationRecord
	now  func() time.Time
}

func newMemRecords() *memRecords {
	return &memRecords{recs: map[string]*domain.GenerationRecord{}, now: time.Now}
}

func (m *memRecords) Create(ctx context.Context, rec *domain.GenerationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Status = domain.GenerationPending
	rec.CreatedAt = m.now()
	rec.UpdatedAt = rec.CreatedAt
	cp := *rec
	m.recs[rec.ID] = &cp
	return nil
}

func (m *memRecords) MarkProcessing(ctx context.Context, id, providerJobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok || rec.Status != domain.GenerationPending {
		return domain.ErrNotFound
	}
	rec.Status = domain.GenerationProcessing
	rec.ProviderJobID = providerJobID
	rec.UpdatedAt = m.now()
	return nil
}

func (m *memRecords) transition(id string, to domain.GenerationStatus, apply func(*domain.GenerationRecord)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok || rec.Status.Terminal() {
		return false
	}
	rec.Status = to
	apply(rec)
	rec.UpdatedAt = m.now()
	return true
}

func (m *memRecords) MarkSucceeded(ctx context.Context, id, url string) (bool, error) {
	return m.transition(id, domain.GenerationSuccess, func(r *domain.GenerationRecord) { r.URL = url }), nil
}

func (m *memRecords) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	return m.transition(id, domain.GenerationFailed, func(r *domain.GenerationRecord) { r.ErrorReason = reason }), nil
}

func (m *memRecords) GetByProviderJobID(ctx context.Context, userID, providerJobID string) (*domain.GenerationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recs {
		if rec.UserID == userID && rec.ProviderJobID == providerJobID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memRecords) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.GenerationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.GenerationRecord
	for _, rec := range m.recs {
		if !rec.Status.Terminal() && rec.UpdatedAt.Before(before) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRecords) all() []domain.GenerationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.GenerationRecord, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, *rec)
	}
	return out
}

// put stores rec as is, bypassing Create.
func (m *memRecords) put(rec domain.GenerationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = &rec
}

// refundFailingLedger debits normally and fails every credit.
type refundFailingLedger struct {
	*ledger.Memory
}

func (l refundFailingLedger) Credit(ctx context.Context, userID string, amount int) error {
	return errors.New("ledger offline")
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Debit(ctx context.Context, userID string, amount int) error {
	return m.Called(ctx, userID, amount).Error(0)
}

func (m *mockLedger) Credit(ctx context.Context, userID string, amount int) error {
	return m.Called(ctx, userID, amount).Error(0)
}

type panicSender struct{}

func (panicSender) Send(ctx context.Context, req *http.Request, policy httpclient.Policy) (*http.Response, error) {
	panic("transport exploded")
}

// provider is an httptest create/query endpoint pair.
type provider struct {
	*httptest.Server
	creates atomic.Int32
	queries atomic.Int32
}

func newProvider(t *testing.T, create, query http.HandlerFunc) *provider {
	t.Helper()
	p := &provider{}
	mux := http.NewServeMux()
	mux.HandleFunc("/create", func(w http.ResponseWriter, r *http.Request) {
		p.creates.Add(1)
		create(w, r)
	})
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		p.queries.Add(1)
		if query == nil {
			http.NotFound(w, r)
			return
		}
		query(w, r)
	})
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *provider) settings() *credentials.Resolver {
	return credentials.NewResolver(zerolog.Nop(), credentials.Static{Label: "test", Settings: credentials.Settings{
		APIKey:    "sk-test",
		CreateURL: p.URL + "/create",
		QueryURL:  p.URL + "/query",
	}})
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func testPolicy() httpclient.Policy {
	return httpclient.Policy{MaxAttempts: 3, RetryDelay: time.Millisecond}
}

var testCosts = ledger.NewCostTable(map[string]int{"sora-2": 10, "veo3-fast": 4})

// flakyRecords fails the first failMarkFailed MarkFailed calls and honours
// context cancellation on writes the way a database driver does.
type flakyRecords struct {
	*memRecords
	failMarkFailed atomic.Int32
}

func (f *flakyRecords) Create(ctx context.Context, rec *domain.GenerationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.memRecords.Create(ctx, rec)
}

func (f *flakyRecords) MarkProcessing(ctx context.Context, id, providerJobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.memRecords.MarkProcessing(ctx, id, providerJobID)
}

func (f *flakyRecords) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	if f.failMarkFailed.Add(-1) >= 0 {
		return false, errors.New("statement timeout")
	}
	return f.memRecords.MarkFailed(ctx, id, reason)
}

// cancelAfterSender cancels the caller's context once the provider has
// answered, simulating a client that disconnects mid-dispatch.
type cancelAfterSender struct {
	next   Sender
	cancel context.CancelFunc
}

func (c cancelAfterSender) Send(ctx context.Context, req *http.Request, policy httpclient.Policy) (*http.Response, error) {
	defer c.cancel()
	resp, err := c.next.Send(ctx, req, policy)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}
