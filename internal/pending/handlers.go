package pending

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-caisse/internal/common"
	"github.com/noah-isme/backend-caisse/internal/queue"
)

// Enqueuer publishes background tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// Handler exposes the pending list over HTTP.
type Handler struct {
	Svc    *Reconciler
	Queue  Enqueuer
	Logger *zerolog.Logger
}

// List returns the reconciled pending payments.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "pending service not configured", nil)
		return
	}
	items, err := h.Svc.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items})
}

// Summary returns per-source counts and remaining balances.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "pending service not configured", nil)
		return
	}
	sum, err := h.Svc.Summary(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": sum})
}

// Export renders the flat rows as JSON (default) or CSV.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "pending service not configured", nil)
		return
	}
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format != "" && format != "json" && format != "csv" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "format must be json or csv", nil)
		return
	}
	rows, err := h.Svc.ExportRows(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if format != "csv" {
		common.JSON(w, http.StatusOK, map[string]any{"data": rows})
		return
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to render export", nil)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="pending-`+time.Now().UTC().Format("2006-01-02")+`.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type collectRequest struct {
	IDs   []string `json:"ids" validate:"required,min=1,max=200,dive,required"`
	Async bool     `json:"async"`
}

// Collect marks external entries as paid, inline or through the queue.
func (h *Handler) Collect(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "pending service not configured", nil)
		return
	}
	var req collectRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteDecodeError(w, err)
		return
	}
	if req.Async {
		if h.Queue == nil {
			common.JSONError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "background queue not configured", nil)
			return
		}
		task, err := NewCollectTask(req.IDs)
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to build task", nil)
			return
		}
		if err := h.Queue.Enqueue(r.Context(), task); err != nil {
			h.log(r).Error().Err(err).Msg("pending_collect_enqueue_failed")
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to enqueue collection", nil)
			return
		}
		common.JSON(w, http.StatusAccepted, map[string]any{
			"data": map[string]any{"queued": true, "key": task.IdempotencyKey},
		})
		return
	}
	res, err := h.Svc.MarkCollected(r.Context(), req.IDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": res})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSourceUnavailable):
		common.JSONError(w, http.StatusBadGateway, "SOURCE_UNAVAILABLE", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		common.JSONError(w, http.StatusGatewayTimeout, "CANCELED", "request canceled", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to reconcile pending payments", nil)
	}
}

func (h *Handler) log(r *http.Request) *zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	if h.Logger != nil {
		return h.Logger
	}
	nop := zerolog.Nop()
	return &nop
}
