package models

import "fmt"

// AmountDecimals is the number of implied fractional decimal digits in the
// fixed-point Amount representation, backed by a uint64 balance field with
// a decimal scale added for roll-price arithmetic.
const AmountDecimals = 9

// amountScale is 10^AmountDecimals.
var amountScale = func() uint64 {
	s := uint64(1)
	for i := 0; i < AmountDecimals; i++ {
		s *= 10
	}
	return s
}()

// Amount is a non-negative fixed-point integer, stored as raw (scaled) units.
// A balance of "1.5" tokens is represented as RawUnits == 1_500_000_000.
type Amount struct {
	RawUnits uint64
}

// NewAmount builds an Amount from a whole-unit count (no fractional part).
func NewAmount(whole uint64) Amount {
	return Amount{RawUnits: whole * amountScale}
}

// Add returns a+b. Saturates rather than wraps on overflow.
func (a Amount) Add(b Amount) Amount {
	sum := a.RawUnits + b.RawUnits
	if sum < a.RawUnits { // overflow
		return Amount{RawUnits: ^uint64(0)}
	}
	return Amount{RawUnits: sum}
}

// Sub returns a-b, and false if b > a (the result would be negative, which
// Amount cannot represent).
func (a Amount) Sub(b Amount) (Amount, bool) {
	if b.RawUnits > a.RawUnits {
		return Amount{}, false
	}
	return Amount{RawUnits: a.RawUnits - b.RawUnits}, true
}

// Less reports whether a < b.
func (a Amount) Less(b Amount) bool { return a.RawUnits < b.RawUnits }

// IsZero reports whether a is zero.
func (a Amount) IsZero() bool { return a.RawUnits == 0 }

// MulInt returns a * n.
func (a Amount) MulInt(n uint64) Amount {
	return Amount{RawUnits: a.RawUnits * n}
}

// String renders the amount in whole.fractional form.
func (a Amount) String() string {
	whole := a.RawUnits / amountScale
	frac := a.RawUnits % amountScale
	return fmt.Sprintf("%d.%0*d", whole, AmountDecimals, frac)
}
