package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings to prevent log injection attacks where attackers could inject
// fake log entries by including newline characters.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Mask hides a secret for display, keeping at most the last two characters
// so operators can tell two values apart.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) > 6 {
		return "****" + secret[len(secret)-2:]
	}
	return "****"
}
