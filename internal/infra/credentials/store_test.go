package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type stubExecutor struct {
	token string
	props string
	err   error
	exec  struct {
		query string
		args  []any
	}
}

func (s *stubExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.exec.query = query
	s.exec.args = args
	return pgconn.CommandTag{}, s.err
}

func (s *stubExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return stubRow{token: s.token, props: s.props, err: s.err}
}

func (s *stubExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type stubRow struct {
	token string
	props string
	err   error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 2 {
		return errors.New("expected token and properties")
	}
	token, ok := dest[0].(*string)
	if !ok {
		return errors.New("invalid token dest")
	}
	props, ok := dest[1].(*[]byte)
	if !ok {
		return errors.New("invalid properties dest")
	}
	*token = r.token
	if r.props != "" {
		*props = []byte(r.props)
	}
	return nil
}

func TestStoreSettings(t *testing.T) {
	store := NewStore(&stubExecutor{
		token: " abc123 ",
		props: `{"create_url":"https://p/create","query_url":" https://p/query "}`,
	})
	got, err := store.Settings(context.Background(), "video")
	if err != nil {
		t.Fatalf("Settings error: %v", err)
	}
	want := Settings{APIKey: "abc123", CreateURL: "https://p/create", QueryURL: "https://p/query"}
	if got != want {
		t.Fatalf("Settings = %+v, want %+v", got, want)
	}
}

func TestStoreSettings_NoRows(t *testing.T) {
	store := NewStore(&stubExecutor{err: pgx.ErrNoRows})
	got, err := store.Settings(context.Background(), "video")
	if err != nil {
		t.Fatalf("Settings error: %v", err)
	}
	if got != (Settings{}) {
		t.Fatalf("expected empty settings, got %+v", got)
	}
}

func TestStoreSettings_BadProperties(t *testing.T) {
	store := NewStore(&stubExecutor{token: "k", props: `{"create_url":`})
	if _, err := store.Settings(context.Background(), "video"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSetSettings(t *testing.T) {
	exec := &stubExecutor{}
	store := NewStore(exec)
	err := store.SetSettings(context.Background(), "video", Settings{APIKey: " secret ", CreateURL: "https://p/create"})
	if err != nil {
		t.Fatalf("SetSettings error: %v", err)
	}
	if len(exec.exec.args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(exec.exec.args))
	}
	if v, ok := exec.exec.args[1].(string); !ok || v != "secret" {
		t.Fatalf("expected secret argument, got %T %v", exec.exec.args[1], exec.exec.args[1])
	}
	raw, ok := exec.exec.args[2].([]byte)
	if !ok || string(raw) != `{"create_url":"https://p/create"}` {
		t.Fatalf("unexpected properties %T %s", exec.exec.args[2], exec.exec.args[2])
	}
}

func TestSetSettingsEmptyKey(t *testing.T) {
	store := NewStore(&stubExecutor{})
	if err := store.SetSettings(context.Background(), "video", Settings{APIKey: " "}); err == nil {
		t.Fatal("expected error for empty key")
	}
}
