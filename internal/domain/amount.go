package domain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// BpsDenom is the basis-point denominator: 1 bps = 1/10_000.
const BpsDenom = 10_000

// Amount is a fixed-point token quantity: an integer count of the token's
// smallest unit, scaled by the token's decimal precision. All pipeline
// arithmetic stays integral; decimal and float conversions exist only for
// the presentation boundary (logs, API responses, notifications).
//
// Amounts may be negative: net profit is an Amount and can go below zero.
type Amount struct {
	raw      *big.Int
	decimals uint8
}

// NewAmount wraps a raw smallest-unit value. The big.Int is copied.
func NewAmount(raw *big.Int, decimals uint8) Amount {
	if raw == nil {
		raw = big.NewInt(0)
	}
	return Amount{raw: new(big.Int).Set(raw), decimals: decimals}
}

// AmountFromInt64 wraps an int64 smallest-unit value.
func AmountFromInt64(raw int64, decimals uint8) Amount {
	return Amount{raw: big.NewInt(raw), decimals: decimals}
}

// ZeroAmount returns a zero value with the given precision.
func ZeroAmount(decimals uint8) Amount {
	return Amount{raw: big.NewInt(0), decimals: decimals}
}

// ParseAmount converts a human decimal string ("10000.5") into an Amount at
// the given precision. Fractional digits beyond the precision are rejected
// rather than silently truncated.
func ParseAmount(s string, decimals uint8) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("domain: parse amount %q: %w", s, err)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return Amount{}, fmt.Errorf("domain: amount %q exceeds %d decimals", s, decimals)
	}
	return Amount{raw: scaled.BigInt(), decimals: decimals}, nil
}

// Raw returns a copy of the smallest-unit value.
func (a Amount) Raw() *big.Int {
	if a.raw == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(a.raw)
}

// Decimals returns the precision the raw value is scaled by.
func (a Amount) Decimals() uint8 { return a.decimals }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.raw == nil || a.raw.Sign() == 0 }

// Sign returns -1, 0, or 1.
func (a Amount) Sign() int {
	if a.raw == nil {
		return 0
	}
	return a.raw.Sign()
}

// Add returns a+b. Mixing precisions is a programmer error and panics.
func (a Amount) Add(b Amount) Amount {
	a.mustMatch(b)
	return Amount{raw: new(big.Int).Add(a.orZero(), b.orZero()), decimals: a.decimals}
}

// Sub returns a-b. The result may be negative.
func (a Amount) Sub(b Amount) Amount {
	a.mustMatch(b)
	return Amount{raw: new(big.Int).Sub(a.orZero(), b.orZero()), decimals: a.decimals}
}

// Neg returns -a.
func (a Amount) Neg() Amount {
	return Amount{raw: new(big.Int).Neg(a.orZero()), decimals: a.decimals}
}

// Abs returns |a|.
func (a Amount) Abs() Amount {
	return Amount{raw: new(big.Int).Abs(a.orZero()), decimals: a.decimals}
}

// Cmp compares a to b: -1 if a<b, 0 if equal, 1 if a>b.
func (a Amount) Cmp(b Amount) int {
	a.mustMatch(b)
	return a.orZero().Cmp(b.orZero())
}

// MulBps returns a × bps/10_000, truncated toward zero. This is the fee and
// slippage primitive; it never leaves integer arithmetic.
func (a Amount) MulBps(bps int64) Amount {
	r := new(big.Int).Mul(a.orZero(), big.NewInt(bps))
	r.Quo(r, big.NewInt(BpsDenom))
	return Amount{raw: r, decimals: a.decimals}
}

// MulInt returns a × n.
func (a Amount) MulInt(n int64) Amount {
	return Amount{raw: new(big.Int).Mul(a.orZero(), big.NewInt(n)), decimals: a.decimals}
}

// Decimal converts to a decimal for display. Boundary use only.
func (a Amount) Decimal() decimal.Decimal {
	if a.raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(a.raw, -int32(a.decimals))
}

// Float64 converts to a float for display. Boundary use only.
func (a Amount) Float64() float64 {
	f, _ := a.Decimal().Float64()
	return f
}

// String renders the decimal form, e.g. "10000.000000" -> "10000".
func (a Amount) String() string { return a.Decimal().String() }

// amountJSON is the lossless wire form of an Amount.
type amountJSON struct {
	Units    string `json:"units"`
	Decimals uint8  `json:"decimals"`
}

// MarshalJSON encodes the raw units as a string so 18-decimal values
// survive JSON number limits.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(amountJSON{Units: a.orZero().String(), Decimals: a.decimals})
}

// UnmarshalJSON decodes the units/decimals wire form.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var w amountJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("domain: decode amount: %w", err)
	}
	raw, ok := new(big.Int).SetString(w.Units, 10)
	if !ok {
		return fmt.Errorf("domain: decode amount: bad units %q", w.Units)
	}
	a.raw = raw
	a.decimals = w.Decimals
	return nil
}

func (a Amount) orZero() *big.Int {
	if a.raw == nil {
		return big.NewInt(0)
	}
	return a.raw
}

func (a Amount) mustMatch(b Amount) {
	if a.decimals != b.decimals {
		panic(fmt.Sprintf("domain: amount precision mismatch: %d vs %d", a.decimals, b.decimals))
	}
}
