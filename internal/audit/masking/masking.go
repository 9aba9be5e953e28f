package masking

import "strings"

const maskToken = "****"

// sensitiveKeys never reach the audit table in clear text.
var sensitiveKeys = []string{"password", "secret", "token", "authorization"}

// MaskSecret redacts a secret while keeping a minimal suffix for auditing.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}

	return prefix + maskToken + remainder[len(remainder)-4:]
}

// Sanitize copies audit metadata, dropping blank keys and masking string
// values stored under sensitive keys. Nested maps are walked.
func Sanitize(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		out[trimmedKey] = sanitizeValue(trimmedKey, value)
	}
	return out
}

func sanitizeValue(key string, value any) any {
	switch cast := value.(type) {
	case string:
		if isSensitive(key) {
			return MaskSecret(cast)
		}
		return cast
	case map[string]any:
		return Sanitize(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, sanitizeValue(key, item))
		}
		return out
	default:
		return value
	}
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, marker := range sensitiveKeys {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
