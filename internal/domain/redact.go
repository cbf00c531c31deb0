package domain

import "strings"

// redactedPlaceholder — значение, которым заменяются секреты.
const redactedPlaceholder = "[REDACTED]"

// sensitiveMarkers — подстроки имён ключей, считающихся секретами.
var sensitiveMarkers = []string{
	"password", "secret", "token", "api_key", "apikey",
	"authorization", "credential", "private_key",
}

// RedactSecrets возвращает глубокую копию m, в которой значения
// секретных ключей заменены плейсхолдером. Используется перед любым
// выносом контекста или payload наружу: снапшоты API, DLQ, логи.
func RedactSecrets(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for key, val := range m {
		if isSensitiveKey(key) {
			out[key] = redactedPlaceholder
			continue
		}
		out[key] = redactValue(val)
	}
	return out
}

func redactValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		return RedactSecrets(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	default:
		return val
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
