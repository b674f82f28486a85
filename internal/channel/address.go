package channel

import (
	"fmt"
	"strings"
)

// Normalize turns a raw recipient into a digits-only address. Formatting
// characters are stripped. A leading "+" marks the number as carrying its own
// country code; a bare number of national length (10 digits or fewer) gets the
// default country code prepended; longer bare numbers are taken as already
// qualified.
//
// Every returned address is a fixed point: feeding it back through Normalize
// yields the same string. To keep that property, a "+"-prefixed number that
// neither starts with the default country code nor exceeds 10 digits is
// rejected rather than left in a form a second pass would alter.
func Normalize(raw, countryCode string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("phone number is required")
	}

	var b strings.Builder
	international := false
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			international = true
		}
	}
	n := b.String()

	switch {
	case strings.HasPrefix(n, countryCode):
		// Already qualified.
	case international:
		if len(n) <= 10 {
			return "", fmt.Errorf("international number %s is too short: %d digits", n, len(n))
		}
	case len(n) <= 10:
		n = countryCode + n
	}

	if len(n) < 10 || len(n) > 15 {
		return "", fmt.Errorf("invalid phone number length: %d digits", len(n))
	}
	return n, nil
}
