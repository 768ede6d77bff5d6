// Package kv is the key-value contract the register keeps its documents in.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists JSON documents by key. A zero ttl keeps the document forever.
type Store interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ErrEmptyKey is returned when a caller passes a blank key.
var ErrEmptyKey = errors.New("kv: empty key")

// Redis stores documents as JSON strings under Prefix+key.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis constructs a Redis-backed store. prefix may be empty.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// GetJSON unmarshals the stored document into dst. It reports whether the key existed.
func (r *Redis) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	if r == nil || r.client == nil {
		return false, errors.New("kv: redis client not configured")
	}
	if key == "" {
		return false, ErrEmptyKey
	}
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON serialises v as JSON and stores it.
func (r *Redis) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if r == nil || r.client == nil {
		return errors.New("kv: redis client not configured")
	}
	if key == "" {
		return ErrEmptyKey
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, r.prefix+key, data, ttl).Err()
}

// Delete removes the document. Missing keys are not an error.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if r == nil || r.client == nil {
		return errors.New("kv: redis client not configured")
	}
	if key == "" {
		return ErrEmptyKey
	}
	return r.client.Del(ctx, r.prefix+key).Err()
}
