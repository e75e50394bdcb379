package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys whose values never leave the process: user signatures and permit
// payloads authorize fund movement; keystore material speaks for itself.
var sensitiveKeys = map[string]struct{}{
	"signature":     {},
	"permitpayload": {},
	"passphrase":    {},
	"privatekey":    {},
	"jwt":           {},
	"token":         {},
}

// IsSensitive reports whether the key must be masked before logging.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// MaskValue returns the redacted placeholder for non-empty values. Empty
// values pass through so absent fields stay visibly absent.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// Field returns a slog.Attr with sensitive keys masked.
func Field(key, value string) slog.Attr {
	if IsSensitive(key) {
		return slog.String(key, MaskValue(value))
	}
	return slog.String(key, value)
}
