package tracing

import (
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

var blockedAttributeKeys = []string{
	"authorization",
	"password",
	"token",
	"secret",
	"hash",
}

// SafeAttributes drops attributes whose key could carry credentials or
// fiscal fingerprints.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		key := strings.ToLower(string(attr.Key))
		blocked := false
		for _, word := range blockedAttributeKeys {
			if strings.Contains(key, word) {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, attr)
		}
	}
	return out
}

// SafeError keeps only the error message's first line and trims it, so SQL
// fragments and stack traces do not leak into span events.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(err.Error())
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}
