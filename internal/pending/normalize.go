package pending

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-caisse/internal/invoicing"
	"github.com/noah-isme/backend-caisse/internal/ledger"
	"github.com/noah-isme/backend-caisse/internal/money"
	"github.com/noah-isme/backend-caisse/internal/sales"
	"github.com/noah-isme/backend-caisse/internal/textnorm"
)

var (
	estimateThreshold = decimal.NewFromInt(500)
	estimateChunk     = decimal.NewFromInt(300)
)

// fromSale keeps non-canceled sales paid by deferred checks. The check plan was
// computed on the post-deposit balance, so the checks total is what remains.
func fromSale(s sales.Sale) (PendingPayment, bool) {
	if s.Canceled || !s.HasDeferredChecks() {
		return PendingPayment{}, false
	}
	stl := s.Settlement
	count := len(stl.Checks)
	total := stl.ChecksTotal()
	if count == 0 {
		count = stl.Instrument.Count
		total = stl.Instrument.PerCheckAmount.Mul(decimal.NewFromInt(int64(count)))
	}
	return PendingPayment{
		ID:          MakeID(SourceSale, s.ID),
		SourceKind:  SourceSale,
		SourceID:    s.ID,
		ClientLabel: s.ClientName,
		VendorLabel: s.VendorName,
		Date:        s.CreatedAt.UTC(),
		CheckPlan: CheckPlan{
			Count:          count,
			PerCheckAmount: stl.Instrument.PerCheckAmount,
			TotalChecks:    money.Round2(total),
		},
		DepositAmount:    stl.DepositAmount(),
		RemainingBalance: money.Round2(total),
		InvoiceRef:       s.InvoiceRef,
		GrossTotal:       stl.Total,
	}, true
}

// fromLedger keeps ledger invoices whose payment is check based and not yet completed.
func fromLedger(inv ledger.Invoice, indicators []string) (PendingPayment, bool) {
	p := inv.Payment
	if p == nil || p.Completed || !textnorm.ContainsAny(p.Method, indicators) {
		return PendingPayment{}, false
	}
	checks := money.Round2(p.Checks())
	perCheck := p.CheckAmount
	if perCheck.IsZero() && p.CheckCount > 0 {
		perCheck = money.Round2(checks.Div(decimal.NewFromInt(int64(p.CheckCount))))
	}
	remaining := money.ClampAmount(inv.Total.Sub(p.Deposit).Sub(checks))
	return PendingPayment{
		ID:          MakeID(SourceLedger, inv.ID),
		SourceKind:  SourceLedger,
		SourceID:    inv.ID,
		ClientLabel: inv.ClientName,
		VendorLabel: inv.VendorName,
		Date:        inv.IssuedAt.UTC(),
		CheckPlan: CheckPlan{
			Count:          p.CheckCount,
			PerCheckAmount: perCheck,
			TotalChecks:    checks,
		},
		DepositAmount:    p.Deposit,
		RemainingBalance: money.Round2(remaining),
		InvoiceRef:       inv.Ref,
		GrossTotal:       inv.Total,
	}, true
}

// fromExternal keeps unpaid external invoices with a reference, a check-like
// payment method and a positive balance.
func fromExternal(inv invoicing.Invoice, indicators []string) (PendingPayment, bool) {
	if strings.TrimSpace(inv.Ref) == "" || inv.Paid() || !inv.RemainingBalance.IsPositive() || !textnorm.ContainsAny(inv.PaymentMethod, indicators) {
		return PendingPayment{}, false
	}
	remaining := money.Round2(inv.RemainingBalance)
	plan := CheckPlan{Count: inv.CheckCount, TotalChecks: remaining}
	if plan.Count <= 0 {
		plan.Count = EstimateCheckCount(remaining)
		plan.Estimated = true
	}
	plan.PerCheckAmount = money.Round2(remaining.Div(decimal.NewFromInt(int64(plan.Count))))
	return PendingPayment{
		ID:               MakeID(SourceExternal, inv.Ref),
		SourceKind:       SourceExternal,
		SourceID:         inv.Ref,
		ClientLabel:      inv.ClientName,
		VendorLabel:      inv.VendorName,
		Date:             inv.IssuedAt.UTC(),
		CheckPlan:        plan,
		DepositAmount:    inv.DepositAmount,
		RemainingBalance: remaining,
		InvoiceRef:       inv.Ref,
		GrossTotal:       inv.Total,
	}, true
}

// EstimateCheckCount guesses how many checks cover remaining: balances above
// 500 are split in chunks of about 300, smaller ones fit on one check.
func EstimateCheckCount(remaining decimal.Decimal) int {
	if !remaining.GreaterThan(estimateThreshold) {
		return 1
	}
	return int(remaining.Div(estimateChunk).Ceil().IntPart())
}
