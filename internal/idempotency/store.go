// Package idempotency guards dispatches keyed by a client-supplied
// Idempotency-Key so a retried request neither charges nor refunds twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Header carries the client key.
const Header = "Idempotency-Key"

var (
	// ErrInProgress means the same key is still being dispatched.
	ErrInProgress = errors.New("idempotency: request already in progress")
	// ErrConflict means the key was reused with a different body.
	ErrConflict = errors.New("idempotency: key reused with a different request body")
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// Entry is the stored state of one key.
type Entry struct {
	Status    Status          `json:"status"`
	BodyHash  string          `json:"body_hash"`
	Response  json.RawMessage `json:"response,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// Store is the guard used by the dispatcher.
//
// Begin claims the key. It returns (nil, nil) when the caller owns the key
// and must dispatch, a completed *Entry to replay, or ErrInProgress /
// ErrConflict. Complete stores the response of an owned key; Release drops
// an owned key after a failed dispatch so the client may retry.
type Store interface {
	Begin(ctx context.Context, scope, key, bodyHash string) (*Entry, error)
	Complete(ctx context.Context, scope, key, bodyHash string, response []byte) error
	Release(ctx context.Context, scope, key string) error
}

// Fingerprint hashes a request body for conflict detection.
func Fingerprint(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// RedisStore keeps entries as JSON strings with a TTL.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl, prefix: "idempotency:generate:", now: time.Now}
}

func (s *RedisStore) key(scope, key string) string {
	return s.prefix + scope + ":" + key
}

func (s *RedisStore) Begin(ctx context.Context, scope, key, bodyHash string) (*Entry, error) {
	claim, err := json.Marshal(Entry{Status: StatusProcessing, BodyHash: bodyHash, CreatedAt: s.now().UTC()})
	if err != nil {
		return nil, err
	}
	redisKey := s.key(scope, key)
	// A key can expire between SetNX and Get; one more round settles it.
	for i := 0; i < 2; i++ {
		ok, err := s.client.SetNX(ctx, redisKey, claim, s.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("idempotency: claim: %w", err)
		}
		if ok {
			return nil, nil
		}
		entry, err := s.get(ctx, redisKey)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if bodyHash != "" && entry.BodyHash != "" && bodyHash != entry.BodyHash {
			return nil, ErrConflict
		}
		if entry.Status == StatusCompleted {
			return entry, nil
		}
		return nil, ErrInProgress
	}
	return nil, ErrInProgress
}

func (s *RedisStore) Complete(ctx context.Context, scope, key, bodyHash string, response []byte) error {
	now := s.now().UTC()
	raw, err := json.Marshal(Entry{
		Status:    StatusCompleted,
		BodyHash:  bodyHash,
		Response:  json.RawMessage(response),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(scope, key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, scope, key string) error {
	if err := s.client.Del(ctx, s.key(scope, key)).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, redisKey string) (*Entry, error) {
	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("idempotency: decode entry: %w", err)
	}
	return &entry, nil
}

var _ Store = (*RedisStore)(nil)
