package amount

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalid      = errors.New("invalid amount")
	ErrBelowMinimum = errors.New("amount below minimum")
)

// Amount is a fixed-point token quantity in whole-token units.
// The zero value is zero.
type Amount struct {
	d decimal.Decimal
}

var Zero = Amount{}

// maxExponent bounds the scientific-notation exponent accepted from input.
// Scaling cost grows with 10^exponent.
const maxExponent = 64

func checkExponent(d decimal.Decimal) error {
	if exp := d.Exponent(); exp > maxExponent || exp < -maxExponent {
		return fmt.Errorf("%w: exponent %d out of range", ErrInvalid, exp)
	}
	return nil
}

// Parse reads a decimal string such as "100.5".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if err := checkExponent(d); err != nil {
		return Amount{}, err
	}
	return Amount{d: d}, nil
}

// MustParse is Parse that panics; intended for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func FromDecimal(d decimal.Decimal) Amount { return Amount{d: d} }

func FromInt(i int64) Amount { return Amount{d: decimal.NewFromInt(i)} }

// FromBaseUnits converts a ledger-native integer quantity back to tokens.
func FromBaseUnits(units uint64, decimals int32) Amount {
	return Amount{d: decimal.NewFromBigInt(new(big.Int).SetUint64(units), -decimals)}
}

// BaseUnits converts to the ledger-native integer unit (amount x 10^decimals).
// Amounts that are negative, carry more fractional digits than decimals, or
// overflow uint64 are rejected rather than rounded.
func (a Amount) BaseUnits(decimals int32) (uint64, error) {
	if a.d.IsNegative() {
		return 0, fmt.Errorf("%w: negative %s", ErrInvalid, a)
	}
	if err := checkExponent(a.d); err != nil {
		return 0, err
	}
	shifted := a.d.Shift(decimals)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %s exceeds %d decimal places", ErrInvalid, a, decimals)
	}
	bi := shifted.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("%w: %s overflows ledger units", ErrInvalid, a)
	}
	return bi.Uint64(), nil
}

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

func (a Amount) Mul(d decimal.Decimal) Amount { return Amount{d: a.d.Mul(d)} }

func (a Amount) Abs() Amount { return Amount{d: a.d.Abs()} }

func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }

func (a Amount) IsZero() bool { return a.d.IsZero() }

func (a Amount) IsPositive() bool { return a.d.IsPositive() }

func (a Amount) IsNegative() bool { return a.d.IsNegative() }

// Truncate drops fractional digits beyond places.
func (a Amount) Truncate(places int32) Amount { return Amount{d: a.d.Truncate(places)} }

func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) String() string { return a.d.String() }

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Sum adds all amounts.
func Sum(as ...Amount) Amount {
	total := Zero
	for _, a := range as {
		total = total.Add(a)
	}
	return total
}

// MarshalJSON encodes the amount as a JSON string so clients never see a float.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.d.String())
}

// UnmarshalJSON accepts both "1.5" and 1.5; numbers are parsed from their
// literal text, not through float64.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer for NUMERIC columns.
func (a Amount) Value() (driver.Value, error) {
	return a.d.Value()
}

// Scan implements sql.Scanner for NUMERIC columns.
func (a *Amount) Scan(value interface{}) error {
	return a.d.Scan(value)
}
