package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the placeholder substituted for any field this package
// decides to mask.
const RedactedValue = "[REDACTED]"

// allowedLogKeys lists the field names that may be emitted as-is. Everything
// else passed through MaskField is treated as potentially sensitive.
var allowedLogKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsAllowlisted reports whether key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	_, ok := allowedLogKeys[normalizeKey(key)]
	return ok
}

// RedactionAllowlist returns the allowlisted keys in sorted order, for tests
// asserting that sensitive fields stay off this list.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(allowedLogKeys))
	for key := range allowedLogKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue redacts a non-empty string unconditionally. An empty input is
// left alone: there's nothing to leak, and masking it would just add noise.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog.Attr for key/value, redacting the value unless key
// is allowlisted or the value is empty.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
