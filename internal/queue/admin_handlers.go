package queue

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-caisse/internal/common"
)

// AdminHandler lets an operator inspect the queues and retry dead-lettered
// collection batches.
type AdminHandler struct {
	Store             Store
	Queue             Enqueuer
	PageSize          int
	Logger            zerolog.Logger
	VisibilityTimeout time.Duration
	// DefaultKind is used when a request names no kind.
	DefaultKind string
}

// Routes mounts the admin endpoints.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/stats", h.Stats)
	r.Get("/dlq", h.ListDLQ)
	r.Post("/dlq/replay", h.ReplayDLQ)
	r.Delete("/dlq/{id}", h.DiscardDLQ)
}

// ListDLQ returns one page of dead-lettered tasks, newest first.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue store unavailable", nil)
		return
	}
	ctx := r.Context()
	kind, ok := h.kind(r.URL.Query().Get("kind"))
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid kind", nil)
		return
	}
	page, perPage := common.ParsePagination(r, h.pageSize(), 200)

	total, err := h.Store.Count(ctx, kind)
	if err != nil {
		h.storeError(w, err)
		return
	}
	entries, err := h.Store.List(ctx, kind, perPage, (page-1)*perPage)
	if err != nil {
		h.storeError(w, err)
		return
	}

	items := make([]dlqItem, 0, len(entries))
	for _, entry := range entries {
		msg, err := decodeEnvelope(string(entry.Payload))
		if err != nil {
			h.Logger.Warn().Err(err).Str("dlq_id", entry.ID.String()).Msg("dlq_entry_undecodable")
			continue
		}
		items = append(items, dlqItem{
			ID:             entry.ID,
			Kind:           entry.Kind,
			IdempotencyKey: entry.IdempotencyKey,
			Attempts:       entry.Attempts,
			LastError:      entry.LastError,
			CreatedAt:      entry.CreatedAt,
			Payload:        string(msg.Payload),
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       items,
		"kind":       kind,
		"pagination": common.Pagination{Page: page, PerPage: perPage, TotalItems: int(total)},
	})
}

// ReplayDLQ re-enqueues entries by id, or the oldest page of a kind when no
// ids are given.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil || h.Queue.R == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue dependencies unavailable", nil)
		return
	}
	var req replayRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteDecodeError(w, err)
		return
	}
	ctx := r.Context()
	replayed := []string{}
	failed := map[string]string{}

	if len(req.IDs) > 0 {
		seen := map[uuid.UUID]bool{}
		for _, raw := range req.IDs {
			id, err := uuid.Parse(strings.TrimSpace(raw))
			if err != nil {
				failed[raw] = "invalid id"
				continue
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			entry, err := h.Store.Get(ctx, id)
			if err != nil {
				failed[raw] = err.Error()
				continue
			}
			if err := h.requeue(ctx, entry); err != nil {
				failed[raw] = err.Error()
				continue
			}
			replayed = append(replayed, id.String())
		}
	} else {
		kind, ok := h.kind(req.Kind)
		if !ok || kind == "" {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "ids or kind required", nil)
			return
		}
		limit := req.Limit
		if limit <= 0 {
			limit = h.pageSize()
		}
		entries, err := h.Store.List(ctx, kind, limit, 0)
		if err != nil {
			h.storeError(w, err)
			return
		}
		for _, entry := range entries {
			if err := h.requeue(ctx, entry); err != nil {
				failed[entry.ID.String()] = err.Error()
				continue
			}
			replayed = append(replayed, entry.ID.String())
		}
	}

	h.Logger.Info().Int("replayed", len(replayed)).Int("failed", len(failed)).Msg("dlq_replay")
	resp := map[string]any{"replayed": replayed}
	if len(failed) > 0 {
		resp["failed"] = failed
	}
	common.JSON(w, http.StatusOK, resp)
}

// DiscardDLQ drops one entry without replaying it.
func (h *AdminHandler) DiscardDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue store unavailable", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	ctx := r.Context()
	entry, err := h.Store.Get(ctx, id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if err := h.Store.Delete(ctx, id); err != nil {
		h.storeError(w, err)
		return
	}
	h.updateDLQMetric(ctx, entry.Kind)
	h.Logger.Info().Str("dlq_id", id.String()).Str("kind", entry.Kind).Msg("dlq_discarded")
	w.WriteHeader(http.StatusNoContent)
}

// Stats returns ready, in-flight and dead-lettered counts for a kind.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Queue.R == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue dependencies unavailable", nil)
		return
	}
	kind, ok := h.kind(r.URL.Query().Get("kind"))
	if !ok || kind == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "kind is required", nil)
		return
	}
	ctx := r.Context()
	keys := keyspace(h.Queue.Prefix)
	queueKey := keys.ready(kind)
	processingKey := keys.processing(kind)

	ready, err := h.Queue.R.ZCard(ctx, queueKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	inflight, err := h.Queue.R.ZCard(ctx, processingKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	dlq, err := h.Store.Count(ctx, kind)
	if err != nil {
		h.storeError(w, err)
		return
	}

	var lagMillis int64
	if oldest, err := h.Queue.R.ZRangeWithScores(ctx, queueKey, 0, 0).Result(); err == nil && len(oldest) > 0 {
		if ts := time.Unix(0, int64(oldest[0].Score)); ts.Before(time.Now()) {
			lagMillis = time.Since(ts).Milliseconds()
		}
	}

	QueueDepth.WithLabelValues(queueLabel(kind)).Set(float64(ready))
	QueueDLQSize.WithLabelValues(queueLabel(kind)).Set(float64(dlq))

	visibility := h.VisibilityTimeout
	if visibility <= 0 {
		visibility = 60 * time.Second
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"kind":               kind,
		"ready":              ready,
		"processing":         inflight,
		"dlq":                dlq,
		"oldest_lag_ms":      lagMillis,
		"visibility_timeout": visibility.Seconds(),
	}})
}

// requeue puts the entry back with one attempt left before it dead-letters again.
func (h *AdminHandler) requeue(ctx context.Context, entry DLQEntry) error {
	msg, err := decodeEnvelope(string(entry.Payload))
	if err != nil {
		return err
	}
	attempt := msg.Attempt
	if attempt > 0 {
		attempt--
	}
	if err := h.Queue.Enqueue(ctx, Task{
		Kind:           msg.Kind,
		Payload:        msg.Payload,
		IdempotencyKey: msg.Key,
		MaxAttempts:    msg.MaxAttempts,
		Attempt:        attempt,
	}); err != nil {
		return err
	}
	if err := h.Store.Delete(ctx, entry.ID); err != nil {
		return err
	}
	h.updateDLQMetric(ctx, msg.Kind)
	return nil
}

func (h *AdminHandler) updateDLQMetric(ctx context.Context, kind string) {
	if QueueDLQSize == nil || h.Store == nil {
		return
	}
	count, err := h.Store.Count(ctx, queueLabel(kind))
	if err != nil {
		return
	}
	QueueDLQSize.WithLabelValues(queueLabel(kind)).Set(float64(count))
}

func (h *AdminHandler) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "dlq entry not found", nil)
	case errors.Is(err, ErrStoreUnavailable):
		common.JSONError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "queue store unavailable", nil)
	default:
		h.Logger.Error().Err(err).Msg("dlq_store_error")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue store error", nil)
	}
}

// kind resolves the requested kind; ok is false for names that could never
// be a queue.
func (h *AdminHandler) kind(raw string) (string, bool) {
	kind := strings.TrimSpace(raw)
	if kind == "" {
		return h.DefaultKind, true
	}
	if sanitizeKind(kind) == "" {
		return "", false
	}
	return kind, true
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return h.PageSize
}

type dlqItem struct {
	ID             uuid.UUID `json:"id"`
	Kind           string    `json:"kind"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Attempts       int       `json:"attempts"`
	LastError      *string   `json:"lastError,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Payload        string    `json:"payload"`
}

type replayRequest struct {
	IDs   []string `json:"ids" validate:"max=200"`
	Kind  string   `json:"kind" validate:"max=64"`
	Limit int      `json:"limit" validate:"gte=0,lte=200"`
}
