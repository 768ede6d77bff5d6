package settlement

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Method is a way money changes hands at the register.
type Method string

const (
	MethodCash     Method = "cash"
	MethodCard     Method = "card"
	MethodTransfer Method = "transfer"
	MethodCheck    Method = "check"
)

// ParseMethod normalises a method name; ok is false for unknown methods.
func ParseMethod(raw string) (Method, bool) {
	m := Method(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case MethodCash, MethodCard, MethodTransfer, MethodCheck:
		return m, true
	}
	return "", false
}

// Kind tags the Instrument variant.
type Kind string

const (
	KindCash           Kind = "cash"
	KindCard           Kind = "card"
	KindTransfer       Kind = "transfer"
	KindCheckImmediate Kind = "check_immediate"
	KindMixed          Kind = "mixed"
	KindDeferredChecks Kind = "deferred_checks"
	KindInstallments   Kind = "installments"
)

// Part is one leg of a two-way mixed payment.
type Part struct {
	Method Method          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

// Instrument describes how the balance after deposit is collected. Only the
// fields relevant to Kind are read.
type Instrument struct {
	Kind Kind `json:"kind" validate:"required"`

	PartA *Part `json:"partA,omitempty"`
	PartB *Part `json:"partB,omitempty"`

	Count          int             `json:"count,omitempty"`
	PerCheckAmount decimal.Decimal `json:"perCheckAmount"`
	Notes          string          `json:"notes,omitempty"`

	Provider     string `json:"provider,omitempty"`
	Installments int    `json:"installments,omitempty"`
}

// Deposit is money collected up front against the total.
type Deposit struct {
	Amount decimal.Decimal `json:"amount"`
	Method Method          `json:"method"`
}

// Check is one physical check of a deferred-check plan.
type Check struct {
	Number  int             `json:"number"`
	Amount  decimal.Decimal `json:"amount"`
	DueDate time.Time       `json:"dueDate"`
}

// Installment is one line of a provider installment schedule.
type Installment struct {
	Number int             `json:"number"`
	Amount decimal.Decimal `json:"amount"`
}

// Settlement is a validated decomposition of a total into deposit and instrument.
type Settlement struct {
	ID         string          `json:"id"`
	Total      decimal.Decimal `json:"total"`
	Deposit    *Deposit        `json:"deposit,omitempty"`
	Instrument Instrument      `json:"instrument"`
	Balance    decimal.Decimal `json:"balance"`
	Checks     []Check         `json:"checks,omitempty"`
	Schedule   []Installment   `json:"schedule,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// DepositAmount returns the deposit or zero.
func (s Settlement) DepositAmount() decimal.Decimal {
	if s.Deposit == nil {
		return decimal.Zero
	}
	return s.Deposit.Amount
}

// Collected is the money the instrument itself collects.
func (s Settlement) Collected() decimal.Decimal {
	switch s.Instrument.Kind {
	case KindMixed:
		return partAmount(s.Instrument.PartA).Add(partAmount(s.Instrument.PartB))
	case KindDeferredChecks:
		return s.ChecksTotal()
	default:
		return s.Balance
	}
}

// ChecksTotal sums the deferred checks.
func (s Settlement) ChecksTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, c := range s.Checks {
		sum = sum.Add(c.Amount)
	}
	return sum
}

func partAmount(p *Part) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.Amount
}
