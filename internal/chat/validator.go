package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 65536 // network limit on a text message
	MaxTextChars    = 4096  // max character count accepted from operators
)

// ErrEmptyText is returned for blank outbound text.
var ErrEmptyText = errors.New("chat: text is empty")

// ValidateText checks text the guard is asked to send for an operator.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("chat: text exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: text contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("chat: text exceeds %d character limit", MaxTextChars)
	}
	return nil
}
