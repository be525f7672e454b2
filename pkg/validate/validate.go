// Package validate provides input limits and sanitization for the batchjobs
// module.
package validate

import (
	"strings"
	"unicode/utf8"
)

// Limits and configuration
const (
	// MaxParametersSize is the maximum size in bytes for job or task
	// parameters (1MB)
	MaxParametersSize = 1 << 20

	// MaxRetries is the hard limit for retry attempts
	MaxRetries = 100

	// MaxErrorMessageLength is the maximum length for stored error details
	MaxErrorMessageLength = 4096

	// MaxNameLength is the maximum length for worker names and hosts
	MaxNameLength = 255
)

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

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ValidName reports whether a worker name or host is acceptable.
func ValidName(name string) bool {
	return name != "" && len(name) <= MaxNameLength
}
