package settlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-caisse/internal/money"
)

// Request is the register's chosen way of paying a total.
type Request struct {
	Deposit    *Deposit   `json:"deposit,omitempty"`
	Instrument Instrument `json:"instrument"`
}

// Composer validates payment requests and materialises settlements. It keeps
// no state between calls; Now and NewID are injectable for tests.
type Composer struct {
	Tiers               InstallmentTiers
	Now                 func() time.Time
	NewID               func() string
	MonthsBetweenChecks int
}

// NewComposer returns a composer using wall-clock time and random UUIDs.
func NewComposer(tiers InstallmentTiers) *Composer {
	return &Composer{Tiers: tiers}
}

// Compose returns a settlement whose deposit plus collected amount equals
// total, or a *Rejection. No partial settlement is ever returned.
func (c *Composer) Compose(total decimal.Decimal, req Request) (Settlement, error) {
	total = money.Round2(total)
	if total.IsNegative() {
		return Settlement{}, reject(ErrInvalidTotal, "total", "total must not be negative, got %s", total.StringFixed(2))
	}

	deposit, err := normalizeDeposit(req.Deposit, total)
	if err != nil {
		return Settlement{}, err
	}
	balance := total
	if deposit != nil {
		balance = total.Sub(deposit.Amount)
	}

	createdAt := c.now()
	s := Settlement{
		ID:         c.newID(),
		Total:      total,
		Deposit:    deposit,
		Instrument: req.Instrument,
		Balance:    balance,
		CreatedAt:  createdAt,
	}

	switch req.Instrument.Kind {
	case KindCash, KindCard, KindTransfer, KindCheckImmediate:
		s.Instrument = Instrument{Kind: req.Instrument.Kind, Notes: req.Instrument.Notes}
	case KindMixed:
		a, b, err := validateMixed(req.Instrument, balance)
		if err != nil {
			return Settlement{}, err
		}
		s.Instrument = Instrument{Kind: KindMixed, PartA: a, PartB: b, Notes: req.Instrument.Notes}
	case KindDeferredChecks:
		amounts, err := SplitChecks(balance, req.Instrument.Count)
		if err != nil {
			return Settlement{}, err
		}
		s.Instrument = Instrument{
			Kind:           KindDeferredChecks,
			Count:          req.Instrument.Count,
			PerCheckAmount: amounts[len(amounts)-1],
			Notes:          req.Instrument.Notes,
		}
		s.Checks = c.datedChecks(amounts, createdAt)
	case KindInstallments:
		if !c.Tiers.Supports(req.Instrument.Provider, req.Instrument.Installments) {
			return Settlement{}, reject(ErrUnsupportedInstallmentTier, "instrument.installments",
				"provider %q does not offer %d installments", req.Instrument.Provider, req.Instrument.Installments)
		}
		s.Instrument = Instrument{
			Kind:         KindInstallments,
			Provider:     req.Instrument.Provider,
			Installments: req.Instrument.Installments,
			Notes:        req.Instrument.Notes,
		}
		s.Schedule = SplitInstallments(balance, req.Instrument.Installments)
	default:
		return Settlement{}, reject(ErrInvalidInstrument, "instrument.kind", "unknown instrument kind %q", req.Instrument.Kind)
	}

	if !money.ApproxEqual(s.DepositAmount().Add(s.Collected()), total) {
		return Settlement{}, reject(ErrInvalidInstrument, "instrument", "collected %s does not cover total %s",
			s.DepositAmount().Add(s.Collected()).StringFixed(2), total.StringFixed(2))
	}
	return s, nil
}

func normalizeDeposit(d *Deposit, total decimal.Decimal) (*Deposit, error) {
	if d == nil {
		return nil, nil
	}
	amount := money.Round2(d.Amount)
	if amount.IsNegative() || amount.GreaterThan(total) {
		return nil, reject(ErrDepositOutOfRange, "deposit.amount", "deposit %s must be within 0..%s", amount.StringFixed(2), total.StringFixed(2))
	}
	if amount.IsZero() {
		return nil, nil
	}
	method, ok := ParseMethod(string(d.Method))
	if !ok {
		return nil, reject(ErrInvalidMethod, "deposit.method", "unknown method %q", d.Method)
	}
	return &Deposit{Amount: amount, Method: method}, nil
}

func validateMixed(in Instrument, balance decimal.Decimal) (*Part, *Part, error) {
	if in.PartA == nil || in.PartB == nil {
		return nil, nil, reject(ErrInvalidInstrument, "instrument", "mixed payment needs two parts")
	}
	parts := make([]*Part, 0, 2)
	for i, p := range []*Part{in.PartA, in.PartB} {
		field := "instrument.partA"
		if i == 1 {
			field = "instrument.partB"
		}
		method, ok := ParseMethod(string(p.Method))
		if !ok {
			return nil, nil, reject(ErrInvalidMethod, field+".method", "unknown method %q", p.Method)
		}
		amount := money.Round2(p.Amount)
		if amount.IsNegative() {
			return nil, nil, reject(ErrMixedSplitMismatch, field+".amount", "amount must not be negative, got %s", amount.StringFixed(2))
		}
		parts = append(parts, &Part{Method: method, Amount: amount})
	}
	sum := parts[0].Amount.Add(parts[1].Amount)
	if !money.ApproxEqual(sum, balance) {
		return nil, nil, reject(ErrMixedSplitMismatch, "instrument", "parts sum to %s, balance is %s", sum.StringFixed(2), balance.StringFixed(2))
	}
	return parts[0], parts[1], nil
}

func (c *Composer) datedChecks(amounts []decimal.Decimal, start time.Time) []Check {
	step := c.MonthsBetweenChecks
	if step <= 0 {
		step = 1
	}
	checks := make([]Check, len(amounts))
	for i, amount := range amounts {
		checks[i] = Check{Number: i + 1, Amount: amount, DueDate: start.AddDate(0, i*step, 0)}
	}
	return checks
}

func (c *Composer) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Composer) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}
