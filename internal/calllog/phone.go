package calllog

import "strings"

// significantDigits is how many trailing digits identify a subscriber number
// once country and trunk prefixes are ignored.
const significantDigits = 10

// NormalizePhone strips formatting and international call prefixes, leaving
// digits only. "+1 (555) 123-4567", "001 555 1234567" and "15551234567"
// all normalize to "15551234567".
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
	}
	return digits
}

// SameNumber compares two normalized numbers. When both carry at least
// significantDigits digits only the trailing digits are compared, so country
// code and trunk prefix variants ("+7 916..." vs "8 916...") collapse.
func SameNumber(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if len(a) < significantDigits || len(b) < significantDigits {
		return false
	}
	return a[len(a)-significantDigits:] == b[len(b)-significantDigits:]
}
