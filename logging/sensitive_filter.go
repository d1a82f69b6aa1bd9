package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces detected credentials.
const RedactedPlaceholder = "[REDACTED]"

// sensitivePatterns match credentials that can end up in error messages and
// URLs: hub access tokens, OpenAI-style keys, bearer headers and
// key=value assignments.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`hf_[A-Za-z0-9]{30,}`),
	regexp.MustCompile(`(?i)sk-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`),
	regexp.MustCompile(`(?i)(token|api_key|apikey|password|secret)\s*[:=]\s*[^\s,;&]{8,}`),
}

// sensitiveFieldNames mark a structured field as secret by name.
var sensitiveFieldNames = []string{
	"HF_TOKEN",
	"TOKEN",
	"API_KEY",
	"APIKEY",
	"PASSWORD",
	"SECRET",
	"AUTHORIZATION",
}

// RedactSensitiveData replaces every credential found in value.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	for _, p := range sensitivePatterns {
		value = p.ReplaceAllString(value, RedactedPlaceholder)
	}
	return value
}

// IsSensitiveField reports whether a field name denotes a secret.
func IsSensitiveField(fieldName string) bool {
	upper := strings.ToUpper(fieldName)
	for _, name := range sensitiveFieldNames {
		if strings.Contains(upper, name) {
			return true
		}
	}
	return false
}

// ContainsSensitiveData reports whether value contains a credential.
func ContainsSensitiveData(value string) bool {
	for _, p := range sensitivePatterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}
