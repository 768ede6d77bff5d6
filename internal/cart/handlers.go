package cart

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-caisse/internal/common"
	"github.com/noah-isme/backend-caisse/internal/pricing"
)

// Handler wires cart services to HTTP.
type Handler struct {
	Svc *Service
}

// Routes mounts the cart endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/lines", h.AddLine)
	r.Patch("/{id}/lines/{lineID}", h.UpdateLine)
	r.Delete("/{id}/lines/{lineID}", h.RemoveLine)
	r.Put("/{id}/lines/{lineID}/override", h.SetOverride)
	r.Delete("/{id}/lines/{lineID}/override", h.ClearOverride)
}

// Create starts a new draft cart.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	c, err := h.Svc.Create(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": c})
}

// Get returns cart contents with freshly computed totals.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	c, err := h.Svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": c})
}

// AddLine appends a line to the cart.
func (h *Handler) AddLine(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	var in LineInput
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteDecodeError(w, err)
		return
	}
	c, err := h.Svc.AddLine(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": c})
}

// UpdateLine changes the quantity and/or the gift flag of a line.
func (h *Handler) UpdateLine(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	var payload struct {
		Quantity *int  `json:"quantity"`
		Gifted   *bool `json:"gifted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if payload.Quantity == nil && payload.Gifted == nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "quantity or gifted required", nil)
		return
	}
	ctx := r.Context()
	id, lineID := chi.URLParam(r, "id"), chi.URLParam(r, "lineID")
	var (
		c   Cart
		err error
	)
	if payload.Quantity != nil {
		c, err = h.Svc.SetQuantity(ctx, id, lineID, *payload.Quantity)
		if err != nil {
			h.writeError(w, err)
			return
		}
	}
	if payload.Gifted != nil {
		c, err = h.Svc.SetGifted(ctx, id, lineID, *payload.Gifted)
		if err != nil {
			h.writeError(w, err)
			return
		}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": c})
}

// RemoveLine deletes a line.
func (h *Handler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	c, err := h.Svc.RemoveLine(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "lineID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": c})
}

// SetOverride applies a negotiated unit price.
func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	var payload struct {
		Price  *decimal.Decimal `json:"price" validate:"required"`
		Reason string           `json:"reason" validate:"max=200"`
	}
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.WriteDecodeError(w, err)
		return
	}
	c, err := h.Svc.SetOverride(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "lineID"), *payload.Price, payload.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": c})
}

// ClearOverride turns the negotiated price off.
func (h *Handler) ClearOverride(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart service not configured", nil)
		return
	}
	c, err := h.Svc.ClearOverride(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "lineID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": c})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "cart not found", nil)
	case errors.Is(err, ErrLineNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "cart line not found", nil)
	case errors.Is(err, ErrInvalidQuantity):
		common.JSONError(w, http.StatusBadRequest, "INVALID_QUANTITY", err.Error(), nil)
	case errors.Is(err, ErrDuplicateLine):
		common.JSONError(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, pricing.ErrInvalidOverride):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_OVERRIDE", err.Error(), nil)
	case errors.Is(err, pricing.ErrInvalidPrice):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_PRICE", err.Error(), nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to update cart", nil)
	}
}
