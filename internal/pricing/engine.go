package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-caisse/internal/money"
)

var (
	// ErrInvalidOverride is returned when a negotiated price is negative.
	ErrInvalidOverride = errors.New("invalid override")
	// ErrInvalidPrice is returned when a catalog unit price is negative.
	ErrInvalidPrice = errors.New("invalid unit price")
)

// Override is a manually negotiated unit price for one cart line.
type Override struct {
	Enabled bool            `json:"enabled"`
	Price   decimal.Decimal `json:"enabledPrice"`
	Reason  string          `json:"reason,omitempty"`
}

// Line is a cart line as submitted by the register.
type Line struct {
	ID            string          `json:"id" validate:"required"`
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	BaseUnitPrice decimal.Decimal `json:"baseUnitPrice"`
	Quantity      int             `json:"quantity" validate:"min=1"`
	Gifted        bool            `json:"gifted"`
	Override      *Override       `json:"override,omitempty"`
}

// Path records which pricing rule produced the effective unit price.
type Path string

const (
	PathGifted   Path = "gifted"
	PathOverride Path = "override"
	PathCategory Path = "category"
	PathBase     Path = "base"
)

// Resolution is the priced view of a single line.
type Resolution struct {
	Path               Path            `json:"path"`
	EffectiveUnitPrice decimal.Decimal `json:"effectiveUnitPrice"`
	OriginalUnitPrice  decimal.Decimal `json:"originalUnitPrice"`
	HasOverride        bool            `json:"hasOverride"`
	DiscountRate       decimal.Decimal `json:"discountRate"`
	Quantity           int             `json:"quantity"`
	LineTotal          decimal.Decimal `json:"lineTotal"`
}

// Savings is the per-line difference between original and effective totals.
func (r Resolution) Savings() decimal.Decimal {
	return r.OriginalUnitPrice.Sub(r.EffectiveUnitPrice).Mul(decimal.NewFromInt(int64(r.Quantity)))
}

// LineError ties a pricing rejection to the offending line.
type LineError struct {
	LineID string
	Err    error
}

func (e *LineError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("line %s: %v", e.LineID, e.Err)
}

func (e *LineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Validate checks the line invariants that are rejected rather than clamped.
func Validate(line Line) error {
	if line.BaseUnitPrice.IsNegative() {
		return &LineError{LineID: line.ID, Err: ErrInvalidPrice}
	}
	if line.Override != nil && line.Override.Price.IsNegative() {
		return &LineError{LineID: line.ID, Err: ErrInvalidOverride}
	}
	return nil
}

// Resolve computes the effective unit price of a line.
//
// A gifted line resolves to zero even when it carries an enabled override; the
// override stays on the line for audit but never reaches the totals.
func Resolve(line Line, discounts DiscountTable) (Resolution, error) {
	if err := Validate(line); err != nil {
		return Resolution{}, err
	}
	qty := money.ClampNonNegative(line.Quantity)
	base := money.Round2(line.BaseUnitPrice)
	rate, discounted := discounts.Rate(line.Category)
	catalog := base
	if discounted {
		catalog = money.Round2(base.Mul(decimal.NewFromInt(1).Sub(rate)))
	}

	res := Resolution{Quantity: qty, DiscountRate: decimal.Zero}
	switch {
	case line.Gifted:
		res.Path = PathGifted
		res.EffectiveUnitPrice = decimal.Zero
		res.OriginalUnitPrice = decimal.Zero
	case line.Override != nil && line.Override.Enabled:
		res.Path = PathOverride
		res.HasOverride = true
		res.EffectiveUnitPrice = money.Round2(line.Override.Price)
		res.OriginalUnitPrice = catalog
	case discounted:
		res.Path = PathCategory
		res.DiscountRate = rate
		res.EffectiveUnitPrice = catalog
		res.OriginalUnitPrice = base
	default:
		res.Path = PathBase
		res.EffectiveUnitPrice = base
		res.OriginalUnitPrice = base
	}
	res.LineTotal = res.EffectiveUnitPrice.Mul(decimal.NewFromInt(int64(qty)))
	return res, nil
}

// PricedLine pairs a submitted line with its resolution.
type PricedLine struct {
	Line    Line       `json:"line"`
	Pricing Resolution `json:"pricing"`
}

// Totals aggregates a cart snapshot. It is never stored; callers recompute it
// after every cart mutation.
type Totals struct {
	GrandTotal         decimal.Decimal `json:"grandTotal"`
	OriginalTotal      decimal.Decimal `json:"originalTotal"`
	NegotiationSavings decimal.Decimal `json:"negotiationSavings"`
	CategorySavings    decimal.Decimal `json:"categorySavings"`
	GiftedValue        decimal.Decimal `json:"giftedValue"`
	Lines              []PricedLine    `json:"lines"`
}

// Balanced reports whether original == grand + negotiation + category within epsilon.
func (t Totals) Balanced() bool {
	return money.ApproxEqual(t.OriginalTotal, t.GrandTotal.Add(t.NegotiationSavings).Add(t.CategorySavings))
}

// Compute resolves every line and aggregates the cart totals.
func Compute(lines []Line, discounts DiscountTable) (Totals, error) {
	var (
		grand    []decimal.Decimal
		original []decimal.Decimal
		nego     []decimal.Decimal
		category []decimal.Decimal
		gifted   []decimal.Decimal
	)
	priced := make([]PricedLine, 0, len(lines))
	for _, line := range lines {
		res, err := Resolve(line, discounts)
		if err != nil {
			return Totals{}, err
		}
		priced = append(priced, PricedLine{Line: line, Pricing: res})
		qty := decimal.NewFromInt(int64(res.Quantity))
		switch res.Path {
		case PathGifted:
			gifted = append(gifted, giftedValue(line, discounts).Mul(qty))
			continue
		case PathOverride:
			nego = append(nego, res.Savings())
		case PathCategory:
			category = append(category, res.Savings())
		}
		grand = append(grand, res.LineTotal)
		original = append(original, res.OriginalUnitPrice.Mul(qty))
	}
	return Totals{
		GrandTotal:         money.Sum(grand...),
		OriginalTotal:      money.Sum(original...),
		NegotiationSavings: money.Sum(nego...),
		CategorySavings:    money.Sum(category...),
		GiftedValue:        money.Sum(gifted...),
		Lines:              priced,
	}, nil
}

func giftedValue(line Line, discounts DiscountTable) decimal.Decimal {
	base := money.Round2(line.BaseUnitPrice)
	if rate, ok := discounts.Rate(line.Category); ok {
		return money.Round2(base.Mul(decimal.NewFromInt(1).Sub(rate)))
	}
	return base
}
