// Package anonymization masks secrets before events leave the host in alerts.
package anonymization

import (
	"regexp"
	"strings"
)

type AnonymizationEngine struct {
	enabled         bool
	sensitiveFields []string
	patterns        map[string]*regexp.Regexp
}

type AnonymizationResult struct {
	Message        string
	Fields         map[string]string
	RedactedFields []string
	RedactionCount int
}

func NewAnonymizationEngine(enabled bool, sensitiveFields []string) *AnonymizationEngine {
	if len(sensitiveFields) == 0 {
		sensitiveFields = []string{"password", "passwd", "pass", "secret", "token", "cookie", "authorization", "enable_password"}
	}
	engine := &AnonymizationEngine{
		enabled:         enabled,
		sensitiveFields: sensitiveFields,
		patterns:        make(map[string]*regexp.Regexp),
	}

	// Compile common sensitive data patterns
	engine.patterns["jwt_token"] = regexp.MustCompile(`Bearer\s+[A-Za-z0-9._-]+`)
	engine.patterns["api_key"] = regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret)\s*[:=]\s*[A-Za-z0-9_-]+`)
	engine.patterns["ftp_pass"] = regexp.MustCompile(`(?i)^PASS\s+\S.*$`)
	engine.patterns["session_cookie"] = regexp.MustCompile(`(?i)(phpMyAdmin|PHPSESSID|session)=[^;\s]+`)

	return engine
}

// Enabled reports whether redaction is applied.
func (ae *AnonymizationEngine) Enabled() bool {
	return ae.enabled
}

// AnonymizeEvent returns a redacted copy of an event message and its fields.
func (ae *AnonymizationEngine) AnonymizeEvent(message string, fields map[string]string) *AnonymizationResult {
	result := &AnonymizationResult{
		Message: message,
		Fields:  make(map[string]string, len(fields)),
	}
	for k, v := range fields {
		result.Fields[k] = v
	}
	if !ae.enabled {
		return result
	}

	for key, value := range result.Fields {
		if value == "" {
			continue
		}
		if ae.isSensitive(key) {
			result.Fields[key] = "[REDACTED_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_")) + "]"
			result.RedactedFields = append(result.RedactedFields, key)
			result.RedactionCount++
			// the same secret may be echoed in the message
			if len(value) >= 3 && strings.Contains(result.Message, value) {
				result.Message = strings.ReplaceAll(result.Message, value, result.Fields[key])
			}
			continue
		}
		if redacted, n := ae.redactPatterns(value); n > 0 {
			result.Fields[key] = redacted
			result.RedactionCount += n
		}
	}

	redacted, n := ae.redactPatterns(result.Message)
	result.Message = redacted
	result.RedactionCount += n
	return result
}

func (ae *AnonymizationEngine) redactPatterns(s string) (string, int) {
	count := 0
	for name, pattern := range ae.patterns {
		if pattern.MatchString(s) {
			s = pattern.ReplaceAllString(s, "[REDACTED_"+strings.ToUpper(name)+"]")
			count++
		}
	}
	return s, count
}

func (ae *AnonymizationEngine) isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, f := range ae.sensitiveFields {
		if k == f || strings.HasSuffix(k, "_"+f) {
			return true
		}
	}
	return false
}
