package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096
	MaxTextChars    = 2000

	DefaultPageLimit = 30
	MaxPageLimit     = 100
)

// ValidateBody trims body and checks content requirements. It returns the
// trimmed text that is stored.
func ValidateBody(body string) (string, error) {
	text := strings.TrimSpace(body)
	if len(text) == 0 {
		return "", invalidArgument("message body is empty")
	}
	if !utf8.ValidString(text) {
		return "", invalidArgument("message body contains invalid UTF-8")
	}
	if len(text) > MaxMessageBytes {
		return "", invalidArgument(fmt.Sprintf("message exceeds %d byte limit", MaxMessageBytes))
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", invalidArgument(fmt.Sprintf("message exceeds %d character limit", MaxTextChars))
	}
	return text, nil
}

// ClampPage bounds a history window: limit to [1, MaxPageLimit], offset to
// zero or more.
func ClampPage(limit, offset int) (int, int) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func validateUserID(id int64, field string) error {
	if id <= 0 {
		return invalidArgument(field + " must be a positive integer")
	}
	return nil
}
