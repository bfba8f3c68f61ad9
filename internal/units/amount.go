package units

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/routex/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseBaseUnits parses a non-negative base-unit integer string.
func ParseBaseUnits(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, clierr.New(clierr.CodeValidation, "amount is required")
	}
	n, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return nil, clierr.New(clierr.CodeValidation, fmt.Sprintf("invalid base-unit amount %q", v))
	}
	if n.Sign() < 0 {
		return nil, clierr.New(clierr.CodeValidation, "amount must be non-negative")
	}
	return n, nil
}

// FormatDecimal shifts a base-unit integer string by decimals, trimming
// trailing zeros in the fractional part.
func FormatDecimal(baseUnits string, decimals int) string {
	n, ok := new(big.Int).SetString(strings.TrimSpace(baseUnits), 10)
	if !ok {
		return baseUnits
	}
	if decimals <= 0 {
		return n.String()
	}
	neg := n.Sign() < 0
	s := new(big.Int).Abs(n).String()
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	intPart := s[:len(s)-decimals]
	fracPart := strings.TrimRight(s[len(s)-decimals:], "0")
	out := intPart
	if fracPart != "" {
		out = intPart + "." + fracPart
	}
	if neg {
		return "-" + out
	}
	return out
}

// FormatBig is FormatDecimal for a big.Int.
func FormatBig(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	return FormatDecimal(v.String(), decimals)
}

// DecimalToBaseUnits converts a decimal string like 1.25 into base units.
func DecimalToBaseUnits(decimal string, decimals int) (string, error) {
	decimal = strings.TrimSpace(decimal)
	if !decimalPattern.MatchString(decimal) {
		return "", clierr.New(clierr.CodeValidation, "amount must be in decimal form like 1.23")
	}
	if decimals < 0 {
		return "", clierr.New(clierr.CodeValidation, "decimals must be >= 0")
	}
	parts := strings.SplitN(decimal, ".", 2)
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > decimals {
		return "", clierr.New(clierr.CodeValidation, fmt.Sprintf("decimal precision exceeds token decimals (%d)", decimals))
	}

	fracPart = fracPart + strings.Repeat("0", decimals-len(fracPart))
	combined := strings.TrimLeft(intPart+fracPart, "0")
	if combined == "" {
		return "0", nil
	}
	return combined, nil
}
