// Package phone normalizes destination numbers into international digits.
package phone

import "strings"

const (
	DefaultCountryCode = "91"
	DefaultLocalLength = 10
)

// Normalizer turns loosely formatted numbers into country-prefixed digits.
type Normalizer struct {
	CountryCode string
	LocalLength int
}

var defaultNormalizer = Normalizer{CountryCode: DefaultCountryCode, LocalLength: DefaultLocalLength}

// Normalize uses the default country code and local length.
func Normalize(raw string) string { return defaultNormalizer.Normalize(raw) }

// Normalize strips everything but digits, then:
//   - returns the digits unchanged when they are already country code + local number,
//   - prefixes a bare local number with the country code,
//   - keeps only the trailing local digits of a longer number and prefixes those.
//
// Shorter inputs are returned as bare digits.
func (n Normalizer) Normalize(raw string) string {
	cc, local := n.CountryCode, n.LocalLength
	if local <= 0 {
		local = DefaultLocalLength
	}

	digits := Digits(raw)
	switch {
	case len(digits) == len(cc)+local && strings.HasPrefix(digits, cc):
		return digits
	case len(digits) == local:
		return cc + digits
	case len(digits) > local:
		return cc + digits[len(digits)-local:]
	default:
		return digits
	}
}

// Valid reports whether raw carries at least a full local number.
func (n Normalizer) Valid(raw string) bool {
	local := n.LocalLength
	if local <= 0 {
		local = DefaultLocalLength
	}
	return len(Digits(raw)) >= local
}

// Digits returns only the ASCII digits of s.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}
