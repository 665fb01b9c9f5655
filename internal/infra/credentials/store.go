package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"orchestrator/internal/infra"
	"orchestrator/internal/sqlinline"
)

// Store reads and writes provider settings kept in integration_tokens. The
// API key lives in the token column; endpoints live in properties.
type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

type storedProperties struct {
	CreateURL string `json:"create_url,omitempty"`
	QueryURL  string `json:"query_url,omitempty"`
}

// Settings returns the stored settings for provider. A missing row yields
// empty settings and no error.
func (s *Store) Settings(ctx context.Context, provider string) (Settings, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider)
	var (
		token string
		raw   []byte
	)
	if err := row.Scan(&token, &raw); err != nil {
		if infra.IsNoRows(err) {
			return Settings{}, nil
		}
		return Settings{}, err
	}
	var props storedProperties
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &props); err != nil {
			return Settings{}, fmt.Errorf("credentials: decode properties for %s: %w", provider, err)
		}
	}
	return Settings{
		APIKey:    token,
		CreateURL: props.CreateURL,
		QueryURL:  props.QueryURL,
	}.normalize(), nil
}

// SetSettings upserts the provider row. The key is required; empty
// endpoints leave any previously stored endpoint in place.
func (s *Store) SetSettings(ctx context.Context, provider string, settings Settings) error {
	settings = settings.normalize()
	if strings.TrimSpace(provider) == "" {
		return errors.New("provider name is required")
	}
	if settings.APIKey == "" {
		return errors.New("provider api key is required")
	}
	raw, err := json.Marshal(storedProperties{CreateURL: settings.CreateURL, QueryURL: settings.QueryURL})
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, provider, settings.APIKey, raw)
	return err
}

// Source adapts the store to a resolver source for one provider.
func (s *Store) Source(provider string) Source {
	return storeSource{store: s, provider: provider}
}

type storeSource struct {
	store    *Store
	provider string
}

func (s storeSource) Name() string { return "integration_tokens" }

func (s storeSource) Load(ctx context.Context) (Settings, error) {
	return s.store.Settings(ctx, s.provider)
}
