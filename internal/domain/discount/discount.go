// Package discount computes order-level discounts and resolves promo codes
// into discount specifications.
package discount

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Kind enumerates the supported discount strategies.
type Kind string

const (
	// KindPercentage takes a percentage of the subtotal.
	KindPercentage Kind = "percentage"
	// KindFixed takes a fixed amount, capped at the subtotal.
	KindFixed Kind = "fixed"
)

// ErrInvalidValue is returned when a discount specification is out of range
// or has an unknown kind.
var ErrInvalidValue = errors.New("invalid discount value")

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Spec describes a discount as requested by an operator.
type Spec struct {
	Kind   Kind
	Value  decimal.Decimal
	Reason string
	// Code is the preset code the spec was resolved from, if any.
	Code string
}

// Applied is a discount bound to a concrete subtotal.
type Applied struct {
	Spec      Spec
	Amount    decimal.Decimal
	AppliedBy string
	AppliedAt time.Time
}

// Validate rejects specs an operator must not be able to apply.
func Validate(spec Spec) error {
	switch spec.Kind {
	case KindPercentage:
		if spec.Value.IsNegative() || spec.Value.GreaterThan(hundred) {
			return errors.Wrapf(ErrInvalidValue, "percentage %s outside [0,100]", spec.Value)
		}
	case KindFixed:
		if spec.Value.IsNegative() {
			return errors.Wrapf(ErrInvalidValue, "negative fixed amount %s", spec.Value)
		}
	default:
		return errors.Wrapf(ErrInvalidValue, "unsupported discount kind %q", spec.Kind)
	}
	return nil
}

// Compute returns the discount amount for spec against subtotal. The amount is
// rounded half-up to cents and always lies in [0, subtotal].
func Compute(subtotal decimal.Decimal, spec Spec) (decimal.Decimal, error) {
	subtotal = floorAtZero(subtotal)

	var amount decimal.Decimal
	switch spec.Kind {
	case KindPercentage:
		pct := clamp(spec.Value, zero, hundred)
		amount = subtotal.Mul(pct).Div(hundred)
	case KindFixed:
		amount = decimal.Min(floorAtZero(spec.Value), subtotal)
	default:
		return zero, errors.Wrapf(ErrInvalidValue, "unsupported discount kind %q", spec.Kind)
	}

	// Rounding a value already capped at subtotal can only exceed it when the
	// subtotal itself carries sub-cent precision.
	return decimal.Min(amount.Round(2), subtotal), nil
}

// Apply validates spec and binds it to subtotal.
func Apply(subtotal decimal.Decimal, spec Spec, by string, at time.Time) (*Applied, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}
	amount, err := Compute(subtotal, spec)
	if err != nil {
		return nil, err
	}
	return &Applied{
		Spec:      spec,
		Amount:    amount,
		AppliedBy: by,
		AppliedAt: at,
	}, nil
}

func clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	return decimal.Max(lo, decimal.Min(d, hi))
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return zero
	}
	return d
}
