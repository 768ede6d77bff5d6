package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-caisse/internal/textnorm"
)

// DiscountTable maps a product category to its structural discount rate.
// Category names are matched case- and accent-insensitively.
type DiscountTable map[string]decimal.Decimal

// NewDiscountTable builds a table from category → rate pairs. Rates must lie in [0, 1].
func NewDiscountTable(rates map[string]decimal.Decimal) (DiscountTable, error) {
	table := make(DiscountTable, len(rates))
	one := decimal.NewFromInt(1)
	for category, rate := range rates {
		key := textnorm.Fold(category)
		if key == "" {
			return nil, fmt.Errorf("discount category is empty")
		}
		if rate.IsNegative() || rate.GreaterThan(one) {
			return nil, fmt.Errorf("discount rate for %q out of range: %s", category, rate)
		}
		table[key] = rate
	}
	return table, nil
}

// ParseDiscountTable parses "Matelas:0.20,Sommier:15%" into a table.
func ParseDiscountTable(spec string) (DiscountTable, error) {
	rates := map[string]decimal.Decimal{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, raw, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("discount entry %q: expected category:rate", part)
		}
		raw = strings.TrimSpace(raw)
		percent := strings.HasSuffix(raw, "%")
		raw = strings.TrimSuffix(raw, "%")
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("discount entry %q: %w", part, err)
		}
		if percent {
			rate = rate.Div(decimal.NewFromInt(100))
		}
		rates[name] = rate
	}
	return NewDiscountTable(rates)
}

// Rate returns the structural discount for the category, if any.
func (t DiscountTable) Rate(category string) (decimal.Decimal, bool) {
	if len(t) == 0 {
		return decimal.Zero, false
	}
	rate, ok := t[textnorm.Fold(category)]
	if !ok || rate.IsZero() {
		return decimal.Zero, false
	}
	return rate, true
}
