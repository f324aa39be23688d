package gateway

import (
	"errors"
	"regexp"
	"strings"
)

var phonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\+44\s*\d{2,4}\s*\d{3,4}\s*\d{3,4}`),
	regexp.MustCompile(`0\d{2,4}\s*\d{3,4}\s*\d{3,4}`),
	regexp.MustCompile(`\d{3,4}\s*\d{3,4}\s*\d{3,4}`),
	regexp.MustCompile(`\(\d{3,4}\)\s*\d{3,4}[-\s]*\d{3,4}`),
}

var nonPhoneChars = regexp.MustCompile(`[^\d+]`)

// ExtractPhoneNumbers finds phone-number-looking sequences in free text
// and returns them cleaned to digits (and a leading +). Matches shorter
// than 10 digits are discarded.
func ExtractPhoneNumbers(content string) []string {
	var found []string
	for _, pattern := range phonePatterns {
		for _, match := range pattern.FindAllString(content, -1) {
			cleaned := nonPhoneChars.ReplaceAllString(match, "")
			if len(strings.TrimPrefix(cleaned, "+")) >= 10 {
				found = append(found, cleaned)
			}
		}
	}
	return found
}

// FormatInternational normalizes a raw phone number to international
// form. Numbers without a country code are assumed to be UK numbers.
func FormatInternational(raw string) (string, error) {
	cleaned := nonPhoneChars.ReplaceAllString(raw, "")
	if cleaned == "" || cleaned == "+" {
		return "", errors.New("no digits in phone number")
	}

	switch {
	case strings.HasPrefix(cleaned, "0"):
		return "+44" + cleaned[1:], nil
	case !strings.HasPrefix(cleaned, "+"):
		return "+44" + cleaned, nil
	default:
		return cleaned, nil
	}
}
