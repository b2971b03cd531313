// Package redact scrubs credentials and query text from strings before they
// are logged or rendered. Backend errors routinely echo connection URLs and
// SQL, and neither belongs in an admin response or a shared log stream.
package redact

import "regexp"

// Redaction placeholders.
const (
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedJWTPlaceholder        = "[REDACTED_JWT]"
	RedactedSQLPlaceholder        = "[REDACTED_SQL]"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Rules run in order. The URL rule keeps scheme and host so the redacted
// text still says which dependency failed.
var rules = []rule{
	{
		regexp.MustCompile(`(?i)\b((?:postgres(?:ql)?|rediss?|sqlite|file)://)[^@/\s]+@`),
		"${1}" + RedactedCredentialPlaceholder + "@",
	},
	{
		regexp.MustCompile(`(?i)\b(password|passwd|pwd)([=:]\s*['"]?)[^'"&\s]+`),
		"${1}${2}" + RedactedCredentialPlaceholder,
	},
	{
		regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
		RedactedJWTPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)\b(bearer|api[_-]?key|secret|token)(\s*[:=]?\s*)[A-Za-z0-9_\-.~+/]{8,}`),
		"${1}${2}" + RedactedKeyPlaceholder,
	},
	{
		regexp.MustCompile(`(?is)\b(?:SELECT|INSERT|UPDATE|DELETE)\b.*?\b(?:FROM|INTO|SET)\b[^;:]*`),
		RedactedSQLPlaceholder,
	},
}

// String redacts sensitive information from input.
func String(input string) string {
	for _, r := range rules {
		if input == "" {
			break
		}
		input = r.pattern.ReplaceAllString(input, r.replacement)
	}
	return input
}

// Error redacts sensitive information from err.Error(). A nil err yields "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
