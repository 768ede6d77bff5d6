// Package checkout turns a priced cart and a payment request into a recorded sale.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-caisse/internal/cart"
	"github.com/noah-isme/backend-caisse/internal/common"
	"github.com/noah-isme/backend-caisse/internal/obs"
	"github.com/noah-isme/backend-caisse/internal/pricing"
	"github.com/noah-isme/backend-caisse/internal/sales"
	"github.com/noah-isme/backend-caisse/internal/settlement"
)

// ErrEmptySale is returned when neither a cart nor lines were supplied.
var ErrEmptySale = errors.New("sale has no lines")

// Input is a checkout request. Lines are read from CartID when it is set.
type Input struct {
	CartID     string             `json:"cartId"`
	Lines      []pricing.Line     `json:"lines" validate:"omitempty,dive"`
	ClientName string             `json:"clientName" validate:"required,max=200"`
	VendorName string             `json:"vendorName" validate:"required,max=100"`
	InvoiceRef string             `json:"invoiceRef" validate:"max=64"`
	Payment    settlement.Request `json:"payment"`
}

// Output is the result of a checkout. Sale is empty for previews.
type Output struct {
	Sale       *sales.Sale           `json:"sale,omitempty"`
	Totals     pricing.Totals        `json:"totals"`
	Settlement settlement.Settlement `json:"settlement"`
}

// SaleStore persists recorded sales.
type SaleStore interface {
	Save(ctx context.Context, sale sales.Sale) error
	Get(ctx context.Context, id string) (sales.Sale, error)
	ListSales(ctx context.Context) ([]sales.Sale, error)
	Cancel(ctx context.Context, id string, at time.Time) (sales.Sale, error)
}

// Service records sales.
type Service struct {
	Carts     *cart.Service
	Sales     SaleStore
	Composer  *settlement.Composer
	Discounts pricing.DiscountTable
	Logger    *zerolog.Logger
	Now       func() time.Time
	NewID     func() string
}

// Preview prices the lines and composes the settlement without storing anything.
func (s *Service) Preview(ctx context.Context, in Input) (Output, error) {
	if s == nil || s.Composer == nil {
		return Output{}, errors.New("checkout service not configured")
	}
	lines, err := s.lines(ctx, in)
	if err != nil {
		return Output{}, err
	}
	totals, err := pricing.Compute(lines, s.Discounts)
	if err != nil {
		return Output{}, pricingError(err)
	}
	stl, err := s.Composer.Compose(totals.GrandTotal, in.Payment)
	countComposed(in.Payment.Instrument.Kind, err)
	if err != nil {
		return Output{}, compositionError(err)
	}
	return Output{Totals: totals, Settlement: stl}, nil
}

// Record validates the request, stores the sale and drops the source cart.
func (s *Service) Record(ctx context.Context, in Input) (Output, error) {
	if s == nil || s.Sales == nil {
		return Output{}, errors.New("checkout service not configured")
	}
	out, err := s.Preview(ctx, in)
	if err != nil {
		return Output{}, err
	}
	lines := make([]pricing.Line, len(out.Totals.Lines))
	for i, pl := range out.Totals.Lines {
		lines[i] = pl.Line
	}
	sale := sales.Sale{
		ID:         s.newID(),
		InvoiceRef: strings.TrimSpace(in.InvoiceRef),
		ClientName: strings.TrimSpace(in.ClientName),
		VendorName: strings.TrimSpace(in.VendorName),
		Lines:      lines,
		Totals:     out.Totals,
		Settlement: out.Settlement,
		CreatedAt:  s.now(),
	}
	if err := s.Sales.Save(ctx, sale); err != nil {
		return Output{}, fmt.Errorf("record sale: %w", err)
	}
	if in.CartID != "" && s.Carts != nil {
		if err := s.Carts.Delete(ctx, in.CartID); err != nil {
			s.log(ctx).Warn().Err(err).Str("cart_id", in.CartID).Msg("cart_cleanup_failed")
		}
	}
	s.log(ctx).Info().
		Str("sale_id", sale.ID).
		Str("instrument", string(sale.Settlement.Instrument.Kind)).
		Str("total", sale.Settlement.Total.StringFixed(2)).
		Str("deposit", sale.Settlement.DepositAmount().StringFixed(2)).
		Msg("sale_recorded")
	out.Sale = &sale
	return out, nil
}

// Get returns a recorded sale.
func (s *Service) Get(ctx context.Context, id string) (sales.Sale, error) {
	if s == nil || s.Sales == nil {
		return sales.Sale{}, errors.New("checkout service not configured")
	}
	sale, err := s.Sales.Get(ctx, id)
	if errors.Is(err, sales.ErrNotFound) {
		return sales.Sale{}, common.NewAppError("NOT_FOUND", "sale not found", http.StatusNotFound, err)
	}
	return sale, err
}

// List returns one page of recorded sales, newest first.
func (s *Service) List(ctx context.Context, page, perPage int) ([]sales.Sale, common.Pagination, error) {
	if s == nil || s.Sales == nil {
		return nil, common.Pagination{}, errors.New("checkout service not configured")
	}
	all, err := s.Sales.ListSales(ctx)
	if err != nil {
		return nil, common.Pagination{}, err
	}
	p := common.Pagination{Page: page, PerPage: perPage, TotalItems: len(all)}
	start, end := p.Window()
	return all[start:end], p, nil
}

// Cancel flags a sale as canceled; it then leaves the pending list.
func (s *Service) Cancel(ctx context.Context, id string) (sales.Sale, error) {
	if s == nil || s.Sales == nil {
		return sales.Sale{}, errors.New("checkout service not configured")
	}
	sale, err := s.Sales.Cancel(ctx, id, s.now())
	if errors.Is(err, sales.ErrNotFound) {
		return sales.Sale{}, common.NewAppError("NOT_FOUND", "sale not found", http.StatusNotFound, err)
	}
	if err != nil {
		return sales.Sale{}, err
	}
	s.log(ctx).Info().Str("sale_id", id).Msg("sale_canceled")
	return sale, nil
}

func (s *Service) lines(ctx context.Context, in Input) ([]pricing.Line, error) {
	if id := strings.TrimSpace(in.CartID); id != "" {
		if s.Carts == nil {
			return nil, errors.New("cart service not configured")
		}
		c, err := s.Carts.Get(ctx, id)
		if errors.Is(err, cart.ErrNotFound) {
			return nil, common.NewAppError("NOT_FOUND", "cart not found", http.StatusNotFound, err)
		}
		if err != nil {
			return nil, err
		}
		if len(c.Lines) == 0 {
			return nil, common.NewAppError("EMPTY_SALE", "cart is empty", http.StatusBadRequest, ErrEmptySale)
		}
		return c.Lines, nil
	}
	if len(in.Lines) == 0 {
		return nil, common.NewAppError("EMPTY_SALE", "cartId or lines required", http.StatusBadRequest, ErrEmptySale)
	}
	return in.Lines, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	if s.Logger != nil {
		return s.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

func pricingError(err error) error {
	code := "INVALID_PRICE"
	if errors.Is(err, pricing.ErrInvalidOverride) {
		code = "INVALID_OVERRIDE"
	}
	var le *pricing.LineError
	var details any
	if errors.As(err, &le) {
		details = map[string]any{"lineId": le.LineID}
	}
	appErr := common.NewAppError(code, err.Error(), http.StatusUnprocessableEntity, err)
	appErr.Details = details
	return appErr
}

func compositionError(err error) error {
	code := settlement.Code(err)
	if code == "" {
		return err
	}
	var rej *settlement.Rejection
	appErr := common.NewAppError(code, err.Error(), http.StatusUnprocessableEntity, err)
	if errors.As(err, &rej) && rej.Field != "" {
		appErr.Details = map[string]any{"field": rej.Field}
	}
	return appErr
}

func countComposed(kind settlement.Kind, err error) {
	if obs.SettlementComposedTotal == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	label := "unknown"
	switch kind {
	case settlement.KindCash, settlement.KindCard, settlement.KindTransfer, settlement.KindCheckImmediate,
		settlement.KindMixed, settlement.KindDeferredChecks, settlement.KindInstallments:
		label = string(kind)
	}
	obs.SettlementComposedTotal.WithLabelValues(label, result).Inc()
}
