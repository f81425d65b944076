package action

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	currencyPrefix = regexp.MustCompile(`^(Rp|\$)\s*`)
	dottedGroups   = regexp.MustCompile(`^\d{1,3}(\.\d{3})+$`)
	digitsAndDots  = regexp.MustCompile(`^[\d.]+$`)
)

// ParseNumber parses a metric as shown on the seller center. It handles
// currency prefixes ("Rp 1.234.567"), thousands separators ("1,234",
// "1.234.567"), percentages ("12.34%") and K/M suffixes ("1.2K", "3M").
// It returns an int64 or float64, the cleaned text when the value is not
// numeric, or nil for blank input.
func ParseNumber(text string) any {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil
	}

	currency := currencyPrefix.MatchString(s)
	s = strings.TrimSpace(currencyPrefix.ReplaceAllString(s, ""))

	if n := len(s); n > 1 {
		mult := 0.0
		switch s[n-1] {
		case 'K', 'k':
			mult = 1e3
		case 'M', 'm':
			mult = 1e6
		}
		if mult > 0 {
			if f, err := strconv.ParseFloat(strings.ReplaceAll(s[:n-1], ",", "."), 64); err == nil {
				return f * mult
			}
			s = s[:n-1]
		}
	}

	if strings.HasSuffix(s, "%") {
		if f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSuffix(s, "%"), ",", "."), 64); err == nil {
			return f
		}
		return strings.TrimSuffix(s, "%")
	}

	// Indonesian grouping: dots separate thousands. A single dot is only
	// read that way for currency amounts, where decimals do not occur.
	if digitsAndDots.MatchString(s) && (strings.Count(s, ".") > 1 || (currency && dottedGroups.MatchString(s))) {
		s = strings.ReplaceAll(s, ".", "")
	}
	s = strings.ReplaceAll(s, ",", "")

	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	return s
}
