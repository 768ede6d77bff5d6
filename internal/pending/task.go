package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/noah-isme/backend-caisse/internal/common"
	"github.com/noah-isme/backend-caisse/internal/queue"
)

// CollectTaskKind is the queue kind of asynchronous collection batches.
const CollectTaskKind = "pending-collect"

// ErrCollectIncomplete makes the worker retry a batch that hit transient failures.
var ErrCollectIncomplete = errors.New("collection batch incomplete")

type collectPayload struct {
	IDs []string `json:"ids"`
}

// NewCollectTask builds a queue task for ids. The idempotency key only depends
// on the set of ids, so resubmitting the same batch is deduplicated.
func NewCollectTask(ids []string) (queue.Task, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	raw, err := json.Marshal(collectPayload{IDs: sorted})
	if err != nil {
		return queue.Task{}, err
	}
	return queue.Task{
		Kind:           CollectTaskKind,
		Payload:        raw,
		IdempotencyKey: common.Sha256Hex(strings.Join(sorted, "\n")),
	}, nil
}

// HandleCollectTask runs a queued batch. Only transient failures are retried;
// local and malformed ids never succeed on a retry.
func (r *Reconciler) HandleCollectTask(ctx context.Context, t queue.Task) error {
	var payload collectPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return fmt.Errorf("decode collect task: %w", err)
	}
	res, err := r.MarkCollected(ctx, payload.IDs)
	if err != nil {
		return err
	}
	transient := 0
	for _, f := range res.Failures {
		if errors.Is(f.Err, ErrLocalSourceNotMarkable) || errors.Is(f.Err, ErrInvalidID) {
			continue
		}
		transient++
	}
	r.logger(ctx).Info().
		Str("task_key", t.IdempotencyKey).
		Int("updated", res.UpdatedCount).
		Int("transient_failures", transient).
		Msg("collect_task_done")
	if transient > 0 {
		return fmt.Errorf("%w: %d ids failed", ErrCollectIncomplete, transient)
	}
	return nil
}
