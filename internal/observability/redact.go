// Package observability provides logging, request correlation and tracing
// utilities. Conversation content flows through SICC logs, so every log
// record passes through a Redactor before it is written.
package observability

import (
	"regexp"
	"strings"
)

// Redactor masks credentials and personal data in log output.
type Redactor struct {
	patterns []*redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
	name        string
}

// NewRedactor creates a redactor with the default patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.AddPattern(`sicc_[A-Za-z0-9\-_]{16,}`, "[REDACTED_API_KEY]", "sicc_key")
	r.AddPattern(`sk-[A-Za-z0-9\-_]{20,}`, "[REDACTED_API_KEY]", "provider_key")
	r.AddPattern(`eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`, "[REDACTED_JWT]", "jwt")
	r.AddPattern(`(?i)bearer\s+[A-Za-z0-9\-_\.]+`, "Bearer [REDACTED]", "bearer_token")
	r.AddPattern(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`, "[REDACTED_EMAIL]", "email")
	r.AddPattern(`\b[0-9]{3}\.[0-9]{3}\.[0-9]{3}-[0-9]{2}\b`, "[REDACTED_CPF]", "cpf")
	r.AddPattern(`\b[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}\b`, "[REDACTED_CARD]", "credit_card")
	r.AddPattern(`\+?[0-9]{2}\s?\(?[0-9]{2}\)?\s?9?[0-9]{4}[-\s]?[0-9]{4}`, "[REDACTED_PHONE]", "phone")
	return r
}

// AddPattern adds a redaction pattern. Invalid expressions are ignored.
func (r *Redactor) AddPattern(pattern, replacement, name string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.patterns = append(r.patterns, &redactPattern{
		regex:       regex,
		replacement: replacement,
		name:        name,
	})
}

// Redact applies all redaction patterns to the input string.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, p := range r.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

// RedactMap redacts sensitive values in a map, recursing into nested values.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = r.redactValue(k, v)
	}
	return result
}

var sensitiveKeys = []string{"token", "secret", "password", "api_key", "apikey", "authorization", "credential"}

func (r *Redactor) redactValue(key string, value any) any {
	lowerKey := strings.ToLower(key)
	for _, sk := range sensitiveKeys {
		if strings.Contains(lowerKey, sk) {
			return "[REDACTED]"
		}
	}

	switch v := value.(type) {
	case string:
		return r.Redact(v)
	case map[string]any:
		return r.RedactMap(v)
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = r.redactValue("", item)
		}
		return result
	default:
		return value
	}
}
