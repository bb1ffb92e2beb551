package domain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits stored for every amount (NUMERIC(15,2)).
const AmountScale = 2

// maxIntegerDigits is the integer width of the NUMERIC(15,2) balance column.
const maxIntegerDigits = 13

// maxAmountLength bounds the textual form of an amount.
const maxAmountLength = 32

var (
	// DefaultMaxAmount is the per-operation ceiling.
	DefaultMaxAmount = decimal.RequireFromString("999999999.99")
	// MaxBalance is the largest balance the storage column can hold.
	MaxBalance = decimal.RequireFromString("9999999999999.99")
)

var accountNumberPattern = regexp.MustCompile(`^SB[0-9]{10}$`)

// ParseAmount converts a decimal string into a fixed-point amount.
// Floats never pass through here; callers decode JSON numbers as strings.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: amount is required", ErrInvalidRequest)
	}
	if len(s) > maxAmountLength {
		return decimal.Zero, fmt.Errorf("%w: amount is too long", ErrInvalidRequest)
	}
	if strings.ContainsAny(s, "eE") {
		return decimal.Zero, fmt.Errorf("%w: amount %q must be written without an exponent", ErrInvalidRequest, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q is not a decimal number", ErrInvalidRequest, s)
	}
	return d, nil
}

// ValidateAmount enforces a positive amount with at most two fractional digits
// that does not exceed max.
func ValidateAmount(amount, max decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	// Magnitude checks run before Truncate and GreaterThan, which rescale the coefficient.
	exp := int64(amount.Exponent())
	if exp > 0 && int64(amount.NumDigits())+exp > maxIntegerDigits {
		return fmt.Errorf("%w: amount exceeds maximum limit of %s", ErrInvalidRequest, max.StringFixed(AmountScale))
	}
	if exp < -maxAmountLength {
		return fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidRequest, AmountScale)
	}
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidRequest, AmountScale)
	}
	if amount.GreaterThan(max) {
		return fmt.Errorf("%w: amount exceeds maximum limit of %s", ErrInvalidRequest, max.StringFixed(AmountScale))
	}
	return nil
}

// NormalizeAccountNumber trims s and reports whether it is a well formed account number.
func NormalizeAccountNumber(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !IsValidAccountNumber(s) {
		return "", fmt.Errorf("%w: invalid account number format", ErrInvalidRequest)
	}
	return s, nil
}

// IsValidAccountNumber reports whether s has the public account number shape.
func IsValidAccountNumber(s string) bool {
	return accountNumberPattern.MatchString(s)
}
