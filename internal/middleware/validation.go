package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxConversationIDLength = 128
	maxUserIDLength         = 64
	maxMessageBytes         = 64 * 1024
)

// ValidateConversationID validates a conversation (donation) id.
func ValidateConversationID(id string) error {
	if id == "" {
		return errors.New("conversation ID cannot be empty")
	}
	if len(id) > maxConversationIDLength {
		return errors.New("conversation ID exceeds maximum length")
	}
	if strings.IndexFunc(id, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateUserID validates an optional user id.
func ValidateUserID(id string) error {
	if len(id) > maxUserIDLength {
		return errors.New("user ID exceeds maximum length")
	}
	if strings.TrimSpace(id) != id {
		return errors.New("invalid user ID format")
	}
	return nil
}

// ValidateMessageText validates message text. Blank text is allowed and ignored by the session.
func ValidateMessageText(text string) error {
	if len(text) > maxMessageBytes {
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return errors.New("message must be valid UTF-8")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
