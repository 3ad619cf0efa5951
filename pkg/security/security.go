// Package security provides validation, sanitization, and limits for the docflow package.
package security

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Limits applied before values reach the durable store.
const (
	// MaxTenantIDLength is the maximum length for tenant identifiers
	MaxTenantIDLength = 64

	// MaxSubjectIDLength is the maximum length for source artifact references
	MaxSubjectIDLength = 255

	// MaxBatchNameLength is the maximum length for batch names
	MaxBatchNameLength = 255

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxConcurrency is the hard limit for batch concurrency
	MaxConcurrency = 1000
)

var (
	ErrInvalidTenantID  = errors.New("docflow: invalid tenant id (must be alphanumeric, start with letter)")
	ErrTenantIDTooLong  = errors.New("docflow: tenant id too long")
	ErrInvalidSubjectID = errors.New("docflow: invalid subject id")
	ErrBatchNameTooLong = errors.New("docflow: batch name too long")
)

// validIdentifier matches alphanumeric, hyphens, underscores, and dots
var validIdentifier = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateTenantID validates a tenant identifier
func ValidateTenantID(id string) error {
	if id == "" {
		return ErrInvalidTenantID
	}
	if len(id) > MaxTenantIDLength {
		return ErrTenantIDTooLong
	}
	if !validIdentifier.MatchString(id) {
		return ErrInvalidTenantID
	}
	return nil
}

// ValidateSubjectID validates a source artifact reference
func ValidateSubjectID(id string) error {
	if id == "" || len(id) > MaxSubjectIDLength {
		return ErrInvalidSubjectID
	}
	return nil
}

// ValidateBatchName validates a batch display name
func ValidateBatchName(name string) error {
	if len(name) > MaxBatchNameLength {
		return ErrBatchNameTooLong
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	// Truncate if too long
	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampConcurrency ensures a batch concurrency limit is within bounds
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
