// Package core provides money parsing and handling utilities.
//
// This file contains the Amount type used for every entry and total, and
// the helpers that parse amounts typed by a user.
package core

import (
	"bytes"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Amount is a decimal quantity of money. It is persisted as a bare JSON
// number so documents keep the shape other clients read and write.
type Amount struct {
	value decimal.Decimal
}

// NewAmount wraps a decimal value.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{value: d}
}

// AmountFromInt returns a whole-unit amount.
func AmountFromInt(v int64) Amount {
	return Amount{value: decimal.NewFromInt(v)}
}

// AmountFromFloat converts a float amount, as produced by JSON clients.
func AmountFromFloat(v float64) Amount {
	return Amount{value: decimal.NewFromFloat(v)}
}

// ParseAmount converts a decimal string to an Amount.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators. Signs,
// exponents and zero are rejected: entry amounts are always positive.
//
// Examples:
//
//	ParseAmount("12.34") -> 12.34, nil
//	ParseAmount("12,34") -> 12.34, nil
//	ParseAmount("-1")    -> 0, ErrInvalidAmount
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, ErrInvalidAmount
	}
	// Normalize decimal comma to dot
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return Amount{}, ErrInvalidAmount
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return Amount{}, ErrInvalidAmount
	}
	for _, part := range parts {
		for _, r := range part {
			if !unicode.IsDigit(r) {
				return Amount{}, ErrInvalidAmount
			}
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, ErrInvalidAmount
	}
	a := Amount{value: d}
	if err := a.Validate(); err != nil {
		return Amount{}, err
	}
	return a, nil
}

// Validate reports ErrInvalidAmount unless the amount is strictly positive.
func (a Amount) Validate() error {
	if !a.value.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

func (a Amount) Add(b Amount) Amount      { return Amount{value: a.value.Add(b.value)} }
func (a Amount) Sub(b Amount) Amount      { return Amount{value: a.value.Sub(b.value)} }
func (a Amount) Equal(b Amount) bool      { return a.value.Equal(b.value) }
func (a Amount) Cmp(b Amount) int         { return a.value.Cmp(b.value) }
func (a Amount) IsZero() bool             { return a.value.IsZero() }
func (a Amount) IsPositive() bool         { return a.value.IsPositive() }
func (a Amount) Decimal() decimal.Decimal { return a.value }

// String returns the shortest exact representation, e.g. "12.5".
func (a Amount) String() string {
	return a.value.String()
}

// StringFixed returns the amount rounded to two decimals for display.
func (a Amount) StringFixed() string {
	return a.value.StringFixed(2)
}

// MarshalJSON writes the amount as an unquoted JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.value.String()), nil
}

// UnmarshalJSON reads a JSON number or a quoted number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		a.value = decimal.Zero
		return nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	a.value = d
	return nil
}

// FormatAmount renders an amount with the configured currency symbol,
// matching the dashboard format "Rs. 1000.00".
func FormatAmount(symbol string, a Amount) string {
	if symbol == "" {
		return a.StringFixed()
	}
	return symbol + " " + a.StringFixed()
}
