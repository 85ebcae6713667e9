package patient

import "strings"

// NormalizePhone reduces a phone number to E.164 form. Ten digit numbers are
// assumed to be North American.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if len(digits) == 10 && !strings.HasPrefix(strings.TrimSpace(raw), "+") {
		digits = "1" + digits
	}
	return "+" + digits
}

// SamePhone compares two phone numbers after normalization.
func SamePhone(a, b string) bool {
	na, nb := NormalizePhone(a), NormalizePhone(b)
	return na != "" && na == nb
}
