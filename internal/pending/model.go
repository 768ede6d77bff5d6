// Package pending reconciles not-yet-collected settlements from the register's
// local sales, the hand-kept invoice ledger and the external invoicing service.
package pending

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrLocalSourceNotMarkable is reported for sale and ledger entries: they
	// must be settled by hand in their own bookkeeping.
	ErrLocalSourceNotMarkable = errors.New("local source cannot be marked collected")
	ErrInvalidID              = errors.New("invalid pending payment id")
	ErrSourceUnavailable      = errors.New("pending source unavailable")
)

// SourceKind tags where a pending payment comes from.
type SourceKind string

const (
	SourceSale     SourceKind = "sale"
	SourceLedger   SourceKind = "ledger"
	SourceExternal SourceKind = "external"
)

// Local reports whether the source is kept at the register.
func (k SourceKind) Local() bool {
	return k == SourceSale || k == SourceLedger
}

// Label is the human name used in exports.
func (k SourceKind) Label() string {
	switch k {
	case SourceSale:
		return "Local sale"
	case SourceLedger:
		return "Invoice ledger"
	case SourceExternal:
		return "External invoicing"
	default:
		return string(k)
	}
}

var sourceOrder = []SourceKind{SourceSale, SourceLedger, SourceExternal}

// CheckPlan describes the checks backing a pending payment. Estimated plans
// are for display only and never feed settlement arithmetic.
type CheckPlan struct {
	Count          int             `json:"count"`
	PerCheckAmount decimal.Decimal `json:"perCheckAmount"`
	TotalChecks    decimal.Decimal `json:"totalChecks"`
	Estimated      bool            `json:"estimated"`
}

// Label renders the plan as "3 × 400.00".
func (p CheckPlan) Label() string {
	if p.Count <= 0 {
		return ""
	}
	prefix := ""
	if p.Estimated {
		prefix = "~"
	}
	return fmt.Sprintf("%s%d × %s", prefix, p.Count, p.PerCheckAmount.StringFixed(2))
}

// PendingPayment is the reconciled read model. It is rebuilt on every pass.
type PendingPayment struct {
	ID               string          `json:"id"`
	SourceKind       SourceKind      `json:"sourceKind"`
	SourceID         string          `json:"sourceId"`
	ClientLabel      string          `json:"clientLabel"`
	VendorLabel      string          `json:"vendorLabel"`
	Date             time.Time       `json:"date"`
	CheckPlan        CheckPlan       `json:"checkPlan"`
	DepositAmount    decimal.Decimal `json:"depositAmount"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
	InvoiceRef       string          `json:"invoiceRef,omitempty"`
	GrossTotal       decimal.Decimal `json:"grossTotal"`
}

// MakeID derives the stable identifier of a pending payment.
func MakeID(kind SourceKind, sourceID string) string {
	return string(kind) + ":" + sourceID
}

// ParseID splits an identifier built by MakeID.
func ParseID(id string) (SourceKind, string, error) {
	kind, sourceID, ok := strings.Cut(strings.TrimSpace(id), ":")
	if !ok || sourceID == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	switch k := SourceKind(kind); k {
	case SourceSale, SourceLedger, SourceExternal:
		return k, sourceID, nil
	}
	return "", "", fmt.Errorf("%w: unknown source %q", ErrInvalidID, kind)
}

// Failure explains why one id could not be collected.
type Failure struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// CollectResult is the outcome of MarkCollected. Already-collected ids land in
// Skipped and do not count as updates.
type CollectResult struct {
	UpdatedCount int       `json:"updatedCount"`
	Skipped      []string  `json:"skipped,omitempty"`
	Failures     []Failure `json:"failures"`
}

// Row is the flat export projection of a pending payment.
type Row struct {
	ID             string          `json:"id"`
	InvoiceRef     string          `json:"invoiceRef"`
	Client         string          `json:"client"`
	Vendor         string          `json:"vendor"`
	Date           time.Time       `json:"date"`
	Deposit        decimal.Decimal `json:"deposit"`
	CheckCount     int             `json:"checkCount"`
	PerCheckAmount decimal.Decimal `json:"perCheckAmount"`
	CheckTotal     decimal.Decimal `json:"checkTotal"`
	Remaining      decimal.Decimal `json:"remaining"`
	GrossTotal     decimal.Decimal `json:"grossTotal"`
	Source         string          `json:"source"`
}

// SourceSummary aggregates the pending list for one source.
type SourceSummary struct {
	Source    SourceKind      `json:"source"`
	Count     int             `json:"count"`
	Remaining decimal.Decimal `json:"remaining"`
}

// Summary is the header of the collection screen.
type Summary struct {
	Sources   []SourceSummary `json:"sources"`
	Count     int             `json:"count"`
	Remaining decimal.Decimal `json:"remaining"`
}
