// Package ledger holds the manually entered invoice ledger kept at the register.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("ledger invoice not found")
	ErrInvalidInvoice = errors.New("invalid ledger invoice")
)

// Store is the ledger contract used by the reconciler and the API.
type Store interface {
	ListInvoices(ctx context.Context) ([]Invoice, error)
	Get(ctx context.Context, id string) (Invoice, error)
	Save(ctx context.Context, inv Invoice) error
}

// Invoice is one hand-entered ledger line.
type Invoice struct {
	ID         string          `json:"id" validate:"required"`
	Ref        string          `json:"ref"`
	ClientName string          `json:"clientName"`
	VendorName string          `json:"vendorName"`
	IssuedAt   time.Time       `json:"issuedAt" validate:"required"`
	Total      decimal.Decimal `json:"total"`
	Payment    *Payment        `json:"payment,omitempty"`
}

// Payment is the payment sub-record of a ledger invoice.
type Payment struct {
	Method      string           `json:"method" validate:"required"`
	Deposit     decimal.Decimal  `json:"deposit"`
	CheckCount  int              `json:"checkCount" validate:"gte=0,lte=10"`
	CheckAmount decimal.Decimal  `json:"checkAmount"`
	ChecksTotal *decimal.Decimal `json:"checksTotal,omitempty"`
	Completed   bool             `json:"completed"`
}

// Checks returns the explicit checks total, or count × amount when none was entered.
func (p Payment) Checks() decimal.Decimal {
	if p.ChecksTotal != nil {
		return *p.ChecksTotal
	}
	return p.CheckAmount.Mul(decimal.NewFromInt(int64(p.CheckCount)))
}

// Validate rejects entries that cannot be reconciled.
func Validate(inv Invoice) error {
	if strings.TrimSpace(inv.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInvoice)
	}
	if inv.Total.IsNegative() {
		return fmt.Errorf("%w: total must not be negative", ErrInvalidInvoice)
	}
	if p := inv.Payment; p != nil {
		if p.Deposit.IsNegative() || p.CheckAmount.IsNegative() || p.CheckCount < 0 {
			return fmt.Errorf("%w: payment amounts must not be negative", ErrInvalidInvoice)
		}
		if p.ChecksTotal != nil && p.ChecksTotal.IsNegative() {
			return fmt.Errorf("%w: checks total must not be negative", ErrInvalidInvoice)
		}
	}
	return nil
}
