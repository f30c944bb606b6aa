package phone

import "strings"

// NormalizeE164 ensures the value begins with + and only contains digits afterward.
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	digits := sanitize(value)
	if digits == "" {
		return ""
	}
	return "+" + digits
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Mask hides the middle digits of a phone number for log output.
func Mask(value string) string {
	if len(value) < 5 {
		return "***"
	}
	return value[:3] + "****" + value[len(value)-2:]
}
