package logging

import (
	"regexp"
	"strings"
)

const (
	// MaxQueryLogLength is the maximum length of a statement to log
	MaxQueryLogLength = 200
	// RedactedText replaces sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// password=xxx, pwd=xxx, pass=xxx up to the next delimiter
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// user:pass@host in URL style DSNs (postgresql://, sqlserver://)
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s?]+`)

	// Google OAuth access tokens
	accessTokenPattern = regexp.MustCompile(`ya29\.[A-Za-z0-9._-]+`)

	// "private_key": "..." in service account JSON echoed by client errors
	privateKeyPattern = regexp.MustCompile(`("private_key"\s*:\s*)"[^"]*"`)

	whitespaceRun = regexp.MustCompile(`\s+`)
)

// SanitizeConnectionString removes credentials from a DSN before logging.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeError renders err without credentials or tokens.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	sanitized := SanitizeConnectionString(err.Error())
	sanitized = accessTokenPattern.ReplaceAllString(sanitized, RedactedText)
	return privateKeyPattern.ReplaceAllString(sanitized, `${1}"`+RedactedText+`"`)
}

// SanitizeQuery collapses whitespace in a rendered statement and truncates it.
// Bound values never appear in statement text, so only credential patterns
// that a template could carry are redacted.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	collapsed := strings.TrimSpace(whitespaceRun.ReplaceAllString(query, " "))
	collapsed = passwordPattern.ReplaceAllString(collapsed, "${1}="+RedactedText)
	return TruncateString(collapsed, MaxQueryLogLength)
}

// TruncateString truncates s to maxLen bytes and adds an ellipsis if needed.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
