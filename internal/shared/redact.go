package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// redactRule masks the credential in a match. When keep is set, the first
// capture group is left in place so the log still says what was masked.
type redactRule struct {
	re   *regexp.Regexp
	keep bool
}

var redactRules = []redactRule{
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|bearer)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}"?`), true},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), true},
	// Telegram bot tokens, including inside api.telegram.org/bot<token>/ URLs.
	{regexp.MustCompile(`[0-9]{8,10}:[A-Za-z0-9_\-]{35}\b`), false},
	{regexp.MustCompile(`(https://(?:discord(?:app)?\.com/api/webhooks|hooks\.slack\.com/services)/)[^\s"]+`), true},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}`), false},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{30,}`), false},
}

// Redact masks credentials in log lines, audit entries and error text.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, rule := range redactRules {
		if rule.keep {
			out = rule.re.ReplaceAllString(out, "${1}"+redactedPlaceholder)
		} else {
			out = rule.re.ReplaceAllString(out, redactedPlaceholder)
		}
	}
	return out
}
