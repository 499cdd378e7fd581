// Package money provides the fixed-point decimal value type used for every
// balance, wager, and payout in the system. Floating point is never used for
// monetary math; everything routes through Amount, which wraps
// shopspring/decimal and always rounds to two fractional digits.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a non-negative-by-convention, two-decimal fixed-point money
// value. Negative amounts are valid in intermediate arithmetic (e.g. "amount
// to refund is the negative of a debit") but balances must never go negative
// — that invariant is enforced by the ledger, not by this type.
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// New builds an Amount from a float64, rounding to two decimal places.
// Prefer NewFromString or NewFromCents at system boundaries; this exists for
// convenience when a value already passed through a float somewhere upstream
// (e.g. a config default).
func New(f float64) Amount {
	return Amount{d: decimal.NewFromFloat(f).Round(2)}
}

// NewFromString parses a decimal string such as "12.34".
func NewFromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	return Amount{d: d.Round(2)}, nil
}

// NewFromCents builds an Amount from an integer minor-unit count.
func NewFromCents(cents int64) Amount {
	return Amount{d: decimal.New(cents, -2)}
}

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d).Round(2)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d).Round(2)} }
func (a Amount) Neg() Amount         { return Amount{d: a.d.Neg()} }

// Mul multiplies by an arbitrary-precision multiplier (e.g. a multiplier
// snapshot) and rounds the result to two decimals.
func (a Amount) Mul(multiplier decimal.Decimal) Amount {
	return Amount{d: a.d.Mul(multiplier).Round(2)}
}

// MulFloat multiplies by a float64 multiplier (e.g. the live crash
// multiplier) and rounds the result to two decimals.
func (a Amount) MulFloat(multiplier float64) Amount {
	return a.Mul(decimal.NewFromFloat(multiplier))
}

func (a Amount) IsZero() bool          { return a.d.IsZero() }
func (a Amount) IsNegative() bool      { return a.d.IsNegative() }
func (a Amount) IsPositive() bool      { return a.d.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool { return a.d.GreaterThan(b.d) }
func (a Amount) LessThan(b Amount) bool    { return a.d.LessThan(b.d) }
func (a Amount) Equal(b Amount) bool       { return a.d.Equal(b.d) }

// Decimal exposes the underlying decimal.Decimal for callers (e.g. the
// ledger's SQL layer) that need to pass it straight to a pgx query.
func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) String() string { return a.d.StringFixed(2) }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.d.StringFixed(2))
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("money: invalid amount %q: %w", s, err)
		}
		a.d = d.Round(2)
		return nil
	}
	// Accept bare JSON numbers too, for clients that don't stringify.
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("money: cannot unmarshal amount: %w", err)
	}
	a.d = decimal.NewFromFloat(f).Round(2)
	return nil
}

// Value implements driver.Valuer so pgx/database-sql can write Amount
// straight into a numeric(18,2) column.
func (a Amount) Value() (driver.Value, error) {
	return a.d.StringFixed(2), nil
}

// Scan implements sql.Scanner so pgx/database-sql can read a numeric(18,2)
// column straight into an Amount.
func (a *Amount) Scan(src interface{}) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("money: scan: %w", err)
	}
	a.d = d.Round(2)
	return nil
}
