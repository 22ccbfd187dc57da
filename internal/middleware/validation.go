package middleware

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxMessageLength bounds inbound message text.
const MaxMessageLength = 100000

// ValidateMessageText validates inbound message text.
func ValidateMessageText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("text cannot be empty")
	}
	if len(text) > MaxMessageLength {
		return errors.New("text exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	return nil
}

// ValidateConversationKey validates a conversation key taken from a URL.
func ValidateConversationKey(key string) error {
	if key == "" {
		return errors.New("conversation key cannot be empty")
	}
	if len(key) > 256 {
		return errors.New("conversation key exceeds maximum length")
	}
	if !utf8.ValidString(key) {
		return errors.New("conversation key must be valid UTF-8")
	}
	if strings.IndexFunc(key, func(r rune) bool { return unicode.IsControl(r) || unicode.IsSpace(r) }) >= 0 {
		return errors.New("conversation key cannot contain whitespace or control characters")
	}
	return nil
}

// ValidateEventID validates an optional client-supplied event id.
func ValidateEventID(id string) error {
	if len(id) > 128 {
		return errors.New("event ID exceeds maximum length")
	}
	return nil
}
