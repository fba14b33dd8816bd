package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in log/event/error strings.
var secretPatterns = []*regexp.Regexp{
	// Key-value pairs with key-like prefixes followed by long opaque values.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer|password)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{12,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Anthropic-style API keys.
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
	// Telegram bot tokens (numeric id, colon, opaque suffix).
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{30,}\b`),
	// UUIDs following auth-related prefixes.
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// secretNameTokens are substrings that mark an environment variable name as
// credential-bearing. Used both by log redaction and by the executor's
// stripped-environment pass.
var secretNameTokens = []string{"secret", "password", "passwd", "token", "api_key", "apikey", "credential", "private_key", "access_key"}

// IsSecretName reports whether a variable or attribute name looks like it
// carries a credential. The match is case-insensitive and substring-based;
// a bare "KEY" suffix also counts (API_KEY, SSH_KEY, DEPLOY_KEY).
func IsSecretName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return false
	}
	for _, tok := range secretNameTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return strings.HasSuffix(lower, "_key") || lower == "key"
}

// RedactEnvValue returns the redaction placeholder when the key name looks
// secret, and the value unchanged otherwise.
func RedactEnvValue(key, value string) string {
	if IsSecretName(key) {
		return redactedPlaceholder
	}
	return value
}
