package settlement

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTotal               = errors.New("invalid total")
	ErrDepositOutOfRange          = errors.New("deposit out of range")
	ErrMixedSplitMismatch         = errors.New("mixed split mismatch")
	ErrInvalidCheckCount          = errors.New("invalid check count")
	ErrCheckAmountTooSmall        = errors.New("check amount too small")
	ErrUnsupportedInstallmentTier = errors.New("unsupported installment tier")
	ErrInvalidMethod              = errors.New("invalid payment method")
	ErrInvalidInstrument          = errors.New("invalid instrument")
)

// Rejection explains why a settlement could not be composed. Field names the
// request field the register should highlight.
type Rejection struct {
	Err    error
	Field  string
	Detail string
}

func (r *Rejection) Error() string {
	if r == nil {
		return ""
	}
	if r.Detail == "" {
		return fmt.Sprintf("%s: %v", r.Field, r.Err)
	}
	return fmt.Sprintf("%s: %v (%s)", r.Field, r.Err, r.Detail)
}

func (r *Rejection) Unwrap() error {
	if r == nil {
		return nil
	}
	return r.Err
}

func reject(err error, field, format string, args ...any) *Rejection {
	return &Rejection{Err: err, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// Code returns the API error code for a composer error, or "" when err is not
// a composer rejection.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTotal):
		return "INVALID_TOTAL"
	case errors.Is(err, ErrDepositOutOfRange):
		return "DEPOSIT_OUT_OF_RANGE"
	case errors.Is(err, ErrMixedSplitMismatch):
		return "MIXED_SPLIT_MISMATCH"
	case errors.Is(err, ErrInvalidCheckCount):
		return "INVALID_CHECK_COUNT"
	case errors.Is(err, ErrCheckAmountTooSmall):
		return "CHECK_AMOUNT_TOO_SMALL"
	case errors.Is(err, ErrUnsupportedInstallmentTier):
		return "UNSUPPORTED_INSTALLMENT_TIER"
	case errors.Is(err, ErrInvalidMethod):
		return "INVALID_METHOD"
	case errors.Is(err, ErrInvalidInstrument):
		return "INVALID_INSTRUMENT"
	default:
		return ""
	}
}
