// Package redact strips credentials from chat text before it reaches a log
// line or the audit trail.
//
// Users paste tokens into chat more often than anyone would like. Messages
// flow through the router verbatim (they have to, to be classified), so every
// place that persists or logs message text runs it through Text first.
package redact

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// credentialPatterns matches well-known credential formats. Each pattern is
// vendor prefix + sufficient length to keep false positives low.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-(?:proj-|ant-)?[A-Za-z0-9_\-]{20,}\b`),
	regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),
	regexp.MustCompile(`\bgh[po]_[A-Za-z0-9]{36,}\b`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}\b`),
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`),
	regexp.MustCompile(`\b(?:sk|rk|pk)_(?:live|test)_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]{16,}`),
}

// Text replaces every recognised credential in s with [REDACTED], then
// replaces each of the explicitly listed values (see String).
func Text(s string, sensitiveValues ...string) string {
	for _, re := range credentialPatterns {
		s = re.ReplaceAllString(s, placeholder)
	}
	return String(s, sensitiveValues...)
}

// ContainsCredential reports whether s matches one of the known credential
// formats.
func ContainsCredential(s string) bool {
	for _, re := range credentialPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a shallow copy of m with string values replaced by [REDACTED]
// for every key whose name suggests a secret.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "credential", "auth", "apikey", "api_key"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
