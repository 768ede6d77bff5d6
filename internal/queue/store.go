package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrStoreUnavailable indicates the DLQ store dependency is not configured.
	ErrStoreUnavailable = errors.New("queue: store unavailable")
	// ErrNotFound is returned for unknown DLQ entries.
	ErrNotFound = errors.New("queue: dlq entry not found")
)

// Store provides accessors for queue DLQ operations.
type Store interface {
	Insert(ctx context.Context, entry DLQEntry) (uuid.UUID, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (DLQEntry, error)
	List(ctx context.Context, kind string, limit, offset int) ([]DLQEntry, error)
	Count(ctx context.Context, kind string) (int64, error)
	SizeByKind(ctx context.Context) (map[string]int64, error)
}

// DLQEntry represents a dead-lettered task.
type DLQEntry struct {
	ID             uuid.UUID `json:"id"`
	Kind           string    `json:"kind"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Payload        []byte    `json:"payload"`
	Attempts       int       `json:"attempts"`
	LastError      *string   `json:"lastError,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NewStore constructs a Store kept in Redis next to the queues. Entries are
// JSON documents indexed by sorted sets scored on creation time.
func NewStore(r *redis.Client, prefix string) Store {
	return &redisStore{r: r, prefix: prefix}
}

type redisStore struct {
	r      *redis.Client
	prefix string
}

func (s *redisStore) key(parts ...string) string {
	base := "queue:dlq"
	if s.prefix != "" {
		base = s.prefix + ":dlq"
	}
	if len(parts) == 0 {
		return base
	}
	return base + ":" + strings.Join(parts, ":")
}

func (s *redisStore) entryKey(id uuid.UUID) string { return s.key("entry", id.String()) }
func (s *redisStore) indexKey(kind string) string {
	if kind == "" {
		return s.key("index")
	}
	return s.key("index", kind)
}

// Insert persists a DLQ entry and returns the generated identifier.
func (s *redisStore) Insert(ctx context.Context, entry DLQEntry) (uuid.UUID, error) {
	if s == nil || s.r == nil {
		return uuid.Nil, ErrStoreUnavailable
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return uuid.Nil, err
	}
	score := float64(entry.CreatedAt.UnixNano())
	member := entry.ID.String()
	_, err = s.r.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.entryKey(entry.ID), raw, 0)
		p.ZAdd(ctx, s.indexKey(""), redis.Z{Score: score, Member: member})
		p.ZAdd(ctx, s.indexKey(entry.Kind), redis.Z{Score: score, Member: member})
		p.SAdd(ctx, s.key("kinds"), entry.Kind)
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return entry.ID, nil
}

// Delete removes a DLQ entry by ID.
func (s *redisStore) Delete(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.r == nil {
		return ErrStoreUnavailable
	}
	entry, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.r.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.entryKey(id))
		p.ZRem(ctx, s.indexKey(""), id.String())
		p.ZRem(ctx, s.indexKey(entry.Kind), id.String())
		return nil
	})
	return err
}

// Get fetches a DLQ entry by ID.
func (s *redisStore) Get(ctx context.Context, id uuid.UUID) (DLQEntry, error) {
	if s == nil || s.r == nil {
		return DLQEntry{}, ErrStoreUnavailable
	}
	raw, err := s.r.Get(ctx, s.entryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return DLQEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return DLQEntry{}, err
	}
	var entry DLQEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return DLQEntry{}, err
	}
	return entry, nil
}

// List fetches DLQ entries filtered by kind, newest first.
func (s *redisStore) List(ctx context.Context, kind string, limit, offset int) ([]DLQEntry, error) {
	if s == nil || s.r == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clampPositive(limit, 1, 500)
	if offset < 0 {
		offset = 0
	}
	ids, err := s.r.ZRevRange(ctx, s.indexKey(strings.TrimSpace(kind)), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]DLQEntry, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		entry, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Count counts DLQ items optionally filtered by kind.
func (s *redisStore) Count(ctx context.Context, kind string) (int64, error) {
	if s == nil || s.r == nil {
		return 0, ErrStoreUnavailable
	}
	return s.r.ZCard(ctx, s.indexKey(strings.TrimSpace(kind))).Result()
}

// SizeByKind returns aggregated DLQ sizes per kind.
func (s *redisStore) SizeByKind(ctx context.Context) (map[string]int64, error) {
	if s == nil || s.r == nil {
		return nil, ErrStoreUnavailable
	}
	kinds, err := s.r.SMembers(ctx, s.key("kinds")).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[string]int64, len(kinds))
	for _, kind := range kinds {
		n, err := s.r.ZCard(ctx, s.indexKey(kind)).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			result[kind] = n
		}
	}
	return result, nil
}

func clampPositive(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
