package settlement

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-caisse/internal/money"
)

const (
	MinChecks = 1
	MaxChecks = 10
)

// SplitChecks divides balance into count checks of whole currency units. The
// remainder, cents included, is carried by the first check only:
// 100 over 3 gives [34, 33, 33].
func SplitChecks(balance decimal.Decimal, count int) ([]decimal.Decimal, error) {
	if count < MinChecks || count > MaxChecks {
		return nil, reject(ErrInvalidCheckCount, "instrument.count", "count must be between %d and %d, got %d", MinChecks, MaxChecks, count)
	}
	balance = money.Round2(balance)
	n := decimal.NewFromInt(int64(count))
	perCheck, _ := balance.QuoRem(n, 0)
	if !perCheck.IsPositive() {
		return nil, reject(ErrCheckAmountTooSmall, "instrument.count", "balance %s cannot fund %d checks", balance.StringFixed(2), count)
	}
	remainder := balance.Sub(perCheck.Mul(n))
	amounts := make([]decimal.Decimal, count)
	for i := range amounts {
		amounts[i] = perCheck
	}
	amounts[0] = perCheck.Add(remainder)
	return amounts, nil
}

// InstallmentTiers lists, per provider, the installment counts it accepts.
type InstallmentTiers map[string][]int

// ParseInstallmentTiers parses "alma:2|3|4;oney:3|4".
func ParseInstallmentTiers(spec string) (InstallmentTiers, error) {
	tiers := InstallmentTiers{}
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		provider, raw, ok := strings.Cut(entry, ":")
		provider = strings.ToLower(strings.TrimSpace(provider))
		if !ok || provider == "" {
			return nil, fmt.Errorf("installment tier %q: expected provider:n|n", entry)
		}
		for _, part := range strings.Split(raw, "|") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("installment tier %q: invalid count %q", entry, part)
			}
			tiers[provider] = append(tiers[provider], n)
		}
	}
	return tiers, nil
}

// Supports reports whether provider accepts the installment count.
func (t InstallmentTiers) Supports(provider string, installments int) bool {
	for _, n := range t[strings.ToLower(strings.TrimSpace(provider))] {
		if n == installments {
			return true
		}
	}
	return false
}

// SplitInstallments spreads balance over n payments in cents, the leftover
// cents going to the first payment.
func SplitInstallments(balance decimal.Decimal, n int) []Installment {
	if n < 1 {
		return nil
	}
	cents := money.ToMinor(balance)
	per := cents / int64(n)
	rem := cents - per*int64(n)
	out := make([]Installment, n)
	for i := range out {
		amount := per
		if i == 0 {
			amount += rem
		}
		out[i] = Installment{Number: i + 1, Amount: money.FromMinor(amount)}
	}
	return out
}
