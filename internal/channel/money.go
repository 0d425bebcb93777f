// SPDX-License-Identifier: MIT

package channel

import (
	"fmt"
	"strconv"
	"strings"
)

// MinorToDecimal renders integer minor units as a two-decimal string,
// the amount form every platform API speaks.
func MinorToDecimal(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// DecimalToMinor parses a platform decimal amount into minor units.
// Fractions beyond two digits are rejected rather than rounded; no
// platform in the closed set sends sub-cent amounts.
func DecimalToMinor(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, err)
	}
	var cents int64
	switch len(frac) {
	case 0:
	case 1:
		cents = int64(frac[0]-'0') * 10
		if frac[0] < '0' || frac[0] > '9' {
			return 0, fmt.Errorf("amount %q: bad fraction", s)
		}
	case 2:
		c, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("amount %q: %w", s, err)
		}
		cents = c
	default:
		return 0, fmt.Errorf("amount %q: more than two decimal places", s)
	}
	minor := units*100 + cents
	if neg {
		minor = -minor
	}
	return minor, nil
}
