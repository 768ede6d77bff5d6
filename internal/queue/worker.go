package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-caisse/internal/resilience"
)

var errVisibilityExpired = errors.New("queue: visibility timeout expired")

const (
	idlePoll      = 100 * time.Millisecond
	reclaimPeriod = time.Second
)

// Worker consumes the tasks of one kind. Exhausted tasks go to Store when it
// is set, otherwise to a Redis list next to the queue.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	// SoftDeadline bounds one handler call; it defaults to VisibilityTimeout.
	SoftDeadline time.Duration
	Handler      func(context.Context, Task) error
	RetryBase    time.Duration
	RetryJitter  float64
	Store        Store
	Logger       *zerolog.Logger
}

// Run processes tasks until ctx is done, then waits for running handlers.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	soft := w.SoftDeadline
	if soft <= 0 || soft > visibility {
		soft = visibility
	}

	slots := make(chan struct{}, max(w.Concurrency, 1))
	var wg sync.WaitGroup
	defer wg.Wait()

	reclaim := time.NewTicker(reclaimPeriod)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reclaim.C:
			if err := w.reclaimExpired(ctx, kind); err != nil && ctx.Err() == nil {
				return err
			}
		default:
		}

		msg, raw, err := w.claim(ctx, kind, visibility)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if raw == "" {
			continue
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			// leave the claim to be reclaimed after its deadline
			return nil
		}
		wg.Add(1)
		go func() {
			defer func() { <-slots; wg.Done() }()
			jobCtx, cancel := context.WithTimeout(ctx, soft)
			err := w.Handler(jobCtx, msg.task())
			cancel()
			// bookkeeping must outlive a cancelled run context
			bg := context.WithoutCancel(ctx)
			if err != nil {
				w.fail(bg, kind, raw, msg, err)
				return
			}
			w.ack(bg, kind, raw, msg)
		}()
	}
}

// claimDue moves the earliest due member of the ready set into the
// processing set, scored by its visibility deadline, in one step.
var claimDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
  return false
end
redis.call('ZREM', KEYS[1], due[1])
redis.call('ZADD', KEYS[2], ARGV[2], due[1])
return due[1]
`)

// claim parks the earliest due task in the processing set. It returns an
// empty raw value when nothing is due. raw is the member as stored in the
// processing set; the returned envelope already counts this delivery.
func (w Worker) claim(ctx context.Context, kind string, visibility time.Duration) (envelope, string, error) {
	keys := keyspace(w.Prefix)
	now := time.Now()
	deadline := now.Add(visibility).UnixNano()
	raw, err := claimDue.Run(ctx, w.R, []string{keys.ready(kind), keys.processing(kind)},
		strconv.FormatInt(now.UnixNano(), 10), strconv.FormatInt(deadline, 10)).Text()
	if errors.Is(err, redis.Nil) {
		sleep(ctx, idlePoll)
		return envelope{}, "", nil
	}
	if err != nil {
		return envelope{}, "", err
	}
	msg, err := decodeEnvelope(raw)
	if err != nil {
		_ = w.R.ZRem(ctx, keys.processing(kind), raw).Err()
		w.log().Warn().Err(err).Str("kind", kind).Msg("queue_message_undecodable")
		return envelope{}, "", nil
	}
	msg.Attempt++
	return msg, raw, nil
}

func (w Worker) ack(ctx context.Context, kind, raw string, msg envelope) {
	keys := keyspace(w.Prefix)
	_ = w.R.ZRem(ctx, keys.processing(kind), raw).Err()
	if msg.Key != "" {
		_ = w.R.Del(ctx, keys.dedup(kind, msg.Key)).Err()
	}
	observeProcessed(kind, "ok")
}

// fail schedules a retry with backoff, or dead-letters the task once its
// attempts are spent.
func (w Worker) fail(ctx context.Context, kind, raw string, msg envelope, cause error) {
	keys := keyspace(w.Prefix)
	_ = w.R.ZRem(ctx, keys.processing(kind), raw).Err()

	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		w.deadLetter(ctx, kind, msg, cause)
		return
	}
	base := w.RetryBase
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	delay := resilience.Backoff(base, msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	encoded, err := msg.encode()
	if err != nil {
		return
	}
	_ = w.R.ZAdd(ctx, keys.ready(kind), redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
	observeProcessed(kind, "retry")
	w.log().Debug().Err(cause).Str("kind", kind).Int("attempt", msg.Attempt).Dur("delay", delay).Msg("queue_task_retry")
}

func (w Worker) deadLetter(ctx context.Context, kind string, msg envelope, cause error) {
	keys := keyspace(w.Prefix)
	encoded, err := msg.encode()
	if err != nil {
		return
	}
	if w.Store != nil {
		reason := cause.Error()
		_, err = w.Store.Insert(ctx, DLQEntry{
			Kind:           kind,
			IdempotencyKey: msg.Key,
			Payload:        []byte(encoded),
			Attempts:       msg.Attempt,
			LastError:      &reason,
		})
	} else {
		err = w.R.LPush(ctx, keys.dlq(kind), encoded).Err()
	}
	if err != nil {
		w.log().Error().Err(err).Str("kind", kind).Msg("queue_dlq_insert_failed")
	}
	if msg.Key != "" {
		_ = w.R.Del(ctx, keys.dedup(kind, msg.Key)).Err()
	}
	observeProcessed(kind, "dlq")
	w.log().Warn().Err(cause).Str("kind", kind).Str("key", msg.Key).Int("attempt", msg.Attempt).Msg("queue_task_dead_lettered")
}

// reclaimExpired moves claims whose visibility deadline passed back to the
// ready set.
func (w Worker) reclaimExpired(ctx context.Context, kind string) error {
	keys := keyspace(w.Prefix)
	now := time.Now().UnixNano()
	expired, err := w.R.ZRangeByScore(ctx, keys.processing(kind), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range expired {
		msg, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		removed, err := w.R.ZRem(ctx, keys.processing(kind), raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		// the expired claim was a delivery
		msg.Attempt++
		if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
			w.deadLetter(ctx, kind, msg, errVisibilityExpired)
			continue
		}
		msg.AvailableAt = now
		encoded, err := msg.encode()
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, keys.ready(kind), redis.Z{Score: float64(now), Member: encoded}).Err()
		w.log().Warn().Str("kind", kind).Str("key", msg.Key).Int("attempt", msg.Attempt).Msg("queue_task_reclaimed")
	}
	return nil
}

func (w Worker) log() *zerolog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

func observeProcessed(kind, status string) {
	QueueProcessedTotal.WithLabelValues(queueLabel(kind), status).Inc()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
