package draftguard

import "strings"

const redactedValue = "[REDACTED]"

var secretKeyMarkers = []string{
	"key",
	"token",
	"secret",
	"password",
	"passwd",
	"authorization",
	"credential",
	"cookie",
}

// RedactMetadata returns a copy of m with values under secret-looking keys
// replaced. Nested maps and slices are walked. Empty input yields nil.
func RedactMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		name := strings.TrimSpace(k)
		if name == "" {
			continue
		}
		if isSecretKey(name) {
			out[name] = redactedValue
			continue
		}
		out[name] = redactValue(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func redactValue(v any) any {
	switch cast := v.(type) {
	case map[string]any:
		return RedactMetadata(cast)
	case []any:
		items := make([]any, 0, len(cast))
		for _, item := range cast {
			items = append(items, redactValue(item))
		}
		return items
	default:
		return v
	}
}

func isSecretKey(k string) bool {
	lower := strings.ToLower(k)
	// work_key and similar identifiers are not credentials.
	if lower == "work_key" || lower == "workkey" || strings.HasSuffix(lower, "_work_key") {
		return false
	}
	for _, marker := range secretKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
