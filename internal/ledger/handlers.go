package ledger

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/backend-caisse/internal/common"
)

// Handler exposes the ledger over HTTP.
type Handler struct {
	Store Store
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Save)
	r.Get("/{id}", h.Get)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "ledger store not configured", nil)
		return
	}
	list, err := h.Store.ListInvoices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": list})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "ledger store not configured", nil)
		return
	}
	inv, err := h.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": inv})
}

// Save inserts or replaces a ledger entry.
func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "ledger store not configured", nil)
		return
	}
	var inv Invoice
	if err := common.DecodeJSON(r, &inv); err != nil {
		common.WriteDecodeError(w, err)
		return
	}
	inv.ID = strings.TrimSpace(inv.ID)
	inv.IssuedAt = inv.IssuedAt.UTC()
	if err := h.Store.Save(r.Context(), inv); err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": inv})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "ledger invoice not found", nil)
	case errors.Is(err, ErrInvalidInvoice):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_INVOICE", err.Error(), nil)
	case errors.Is(err, ErrStoreUnavailable):
		common.JSONError(w, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "ledger store unavailable", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "ledger request failed", nil)
	}
}
