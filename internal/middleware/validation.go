package middleware

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxRequestIDLength = 128

// ValidateQuery validates an analysis query.
func ValidateQuery(query string, maxLength int) error {
	if strings.TrimSpace(query) == "" {
		return errors.New("query is required")
	}
	if !utf8.ValidString(query) {
		return errors.New("query must be valid UTF-8")
	}
	if maxLength > 0 && utf8.RuneCountInString(query) > maxLength {
		return fmt.Errorf("query exceeds %d characters", maxLength)
	}
	return nil
}

// ValidateRequestID validates a client supplied request id. Empty is allowed.
func ValidateRequestID(id string) error {
	if len(id) > maxRequestIDLength {
		return errors.New("request ID exceeds maximum length")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return errors.New("invalid request ID format")
		}
	}
	return nil
}
