package declaration

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount reads a monetary amount written in French or Anglo-Saxon
// notation: "1 234,56", "1.234,56", "1,234.56", "1234.56 €", "(12,00)".
// When both separators appear the last one is the decimal mark. A lone
// comma or a lone dot is always decimal, so "7.300" is 7.3; repeated
// separators group thousands.
func ParseAmount(s string) (decimal.Decimal, error) {
	raw := s
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("€", "", "EUR", "", "eur", "", " ", "", "\u00a0", "", "\u202f", "", "'", "").Replace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount %q", raw)
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = s[1:]
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	decimalMark := -1
	switch {
	case lastComma >= 0 && lastDot >= 0:
		decimalMark = max(lastComma, lastDot)
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 {
			decimalMark = lastComma
		}
	case lastDot >= 0:
		if strings.Count(s, ".") == 1 {
			decimalMark = lastDot
		}
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case i == decimalMark:
			b.WriteByte('.')
		case r == ',' || r == '.':
			// thousands separator
		default:
			return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
		}
	}
	if b.Len() == 0 || b.String() == "." {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}

	d, err := decimal.NewFromString(b.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// ParseDecimal reads a number in machine notation: an optional sign, digits
// and at most one dot as the decimal mark. No grouping, no currency.
func ParseDecimal(s string) (decimal.Decimal, error) {
	v := strings.TrimSpace(s)
	if v == "" || strings.ContainsAny(v, ", eE") {
		return decimal.Zero, fmt.Errorf("invalid number %q", s)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return d, nil
}

// ParseRate reads a contribution rate. Values above 1 are percentages
// ("13", "13,00 %") and are divided by 100; values at or below 1 are
// already fractions.
func ParseRate(s string) (float64, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(s, "%", ""))
	d, err := ParseAmount(cleaned)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	return RateOf(d, strings.Contains(s, "%")), nil
}

// RateOf turns a parsed rate into a fraction. A value above 1, or one
// written with a percent sign, is a percentage.
func RateOf(d decimal.Decimal, percent bool) float64 {
	if percent || d.GreaterThan(decimal.NewFromInt(1)) {
		d = d.Div(decimal.NewFromInt(100))
	}
	f, _ := d.Float64()
	return f
}

// RoundCents rounds half away from zero to two decimals.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Amount builds a decimal from a float, rounded to cents.
func Amount(f float64) decimal.Decimal {
	return RoundCents(decimal.NewFromFloat(f))
}
