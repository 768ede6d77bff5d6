// Package queue runs background tasks on Redis sorted sets. Ready tasks are
// scored by the time they become due; claimed tasks move to a processing set
// scored by their visibility deadline and return to the ready set when a
// worker fails to acknowledge them in time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxAttempts = 10
	defaultDedupTTL    = 24 * time.Hour
)

// Task is a unit of background work. Attempt is set by the worker and
// starts at one.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Attempt        int
	Delay          time.Duration
}

// Enqueuer publishes tasks.
type Enqueuer struct {
	R      *redis.Client
	Prefix string
	// DedupTTL bounds how long an idempotency key blocks duplicates when the
	// task is never acknowledged.
	DedupTTL    time.Duration
	MaxAttempts int
}

// Enqueue schedules t. A task whose idempotency key is still held by a
// queued or running task is dropped silently.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	keys := keyspace(e.Prefix)

	msg := envelope{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		Attempt:     t.Attempt,
		MaxAttempts: firstPositive(t.MaxAttempts, e.MaxAttempts, defaultMaxAttempts),
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = defaultDedupTTL
		}
		fresh, err := e.R.SetNX(ctx, keys.dedup(kind, msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
	}
	raw, err := msg.encode()
	if err != nil {
		return err
	}
	if err := e.R.ZAdd(ctx, keys.ready(kind), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err(); err != nil {
		return err
	}
	QueueEnqueuedTotal.WithLabelValues(kind).Inc()
	return nil
}

// keyspace derives the Redis keys of a queue prefix.
type keyspace string

func (k keyspace) ready(kind string) string {
	if k == "" {
		return "queue:" + kind
	}
	return string(k) + ":queue:" + kind
}

func (k keyspace) processing(kind string) string {
	if k == "" {
		return "queue:" + kind + ":processing"
	}
	return string(k) + ":" + kind + ":processing"
}

func (k keyspace) dlq(kind string) string {
	if k == "" {
		return "queue:" + kind + ":dlq"
	}
	return string(k) + ":" + kind + ":dlq"
}

func (k keyspace) dedup(kind, key string) string {
	if k == "" {
		return "queue:dedup:" + kind + ":" + key
	}
	return string(k) + ":dedup:" + kind + ":" + key
}

// envelope is the stored form of a task.
type envelope struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}

func (m envelope) encode() (string, error) {
	raw, err := json.Marshal(m)
	return string(raw), err
}

func (m envelope) task() Task {
	return Task{Kind: m.Kind, Payload: m.Payload, IdempotencyKey: m.Key, MaxAttempts: m.MaxAttempts, Attempt: m.Attempt}
}

func decodeEnvelope(raw string) (envelope, error) {
	var m envelope
	err := json.Unmarshal([]byte(raw), &m)
	return m, err
}

// sanitizeKind returns kind when it only uses [a-z0-9-_:], else "".
func sanitizeKind(kind string) string {
	for _, c := range kind {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == ':':
		default:
			return ""
		}
	}
	return kind
}

func queueLabel(kind string) string {
	if s := sanitizeKind(kind); s != "" {
		return s
	}
	return "unknown"
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
