package util

import (
	"regexp"
	"strings"
)

var nonPhoneChars = regexp.MustCompile(`[^\d\+]+`)

// NormalizePhone tries to normalize user input into E.164-like format.
// defaultCC is the country calling code (without "+") applied to national
// numbers that start with a single trunk "0".
func NormalizePhone(raw, defaultCC string) string {
	s := nonPhoneChars.ReplaceAllString(strings.TrimSpace(raw), "")
	if s == "" {
		return ""
	}

	switch {
	case strings.HasPrefix(s, "+"):
		return s
	case strings.HasPrefix(s, "00"):
		s = "+" + s[2:]
	case strings.HasPrefix(s, "0") && defaultCC != "":
		s = "+" + defaultCC + s[1:]
	case defaultCC != "" && strings.HasPrefix(s, defaultCC):
		s = "+" + s
	}

	return s
}
