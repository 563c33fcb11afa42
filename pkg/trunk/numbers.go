package trunk

import "strings"

// ============================================
// NUMBER FORMATTING
// ============================================

// FormatNumber reduces a phone number to a canonical 11-digit string.
// Non-digit characters are stripped; a 10-digit local number gets the
// country code 7 prepended, and a leading 8 on an 11-digit number is
// replaced with 7.
func FormatNumber(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	number := digits.String()

	switch {
	case len(number) == 10:
		return "7" + number
	case len(number) == 11 && number[0] == '8':
		return "7" + number[1:]
	default:
		return number
	}
}
