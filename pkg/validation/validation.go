package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MinDisplayNameRunes = 2
	MaxDisplayNameRunes = 20
	MaxChatTextRunes    = 500
)

// stripControl removes control characters except newline and tab.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
}

// ValidateDisplayName trims the requested name and checks the length
// bounds. Matching is byte-exact and case-sensitive, so no folding or
// normalization happens here.
func ValidateDisplayName(name string) (string, error) {
	trimmed := strings.TrimSpace(stripControl(name))
	if trimmed == "" {
		return "", fmt.Errorf("display name is required")
	}
	n := utf8.RuneCountInString(trimmed)
	if n < MinDisplayNameRunes {
		return "", fmt.Errorf("display name must be at least %d characters", MinDisplayNameRunes)
	}
	if n > MaxDisplayNameRunes {
		return "", fmt.Errorf("display name is too long (max %d characters)", MaxDisplayNameRunes)
	}
	return trimmed, nil
}

// ValidateChatText trims the message text and enforces the length bound.
func ValidateChatText(text string) (string, error) {
	trimmed := strings.TrimSpace(stripControl(text))
	if trimmed == "" {
		return "", fmt.Errorf("message text is required")
	}
	if utf8.RuneCountInString(trimmed) > MaxChatTextRunes {
		return "", fmt.Errorf("message text is too long (max %d characters)", MaxChatTextRunes)
	}
	return trimmed, nil
}
