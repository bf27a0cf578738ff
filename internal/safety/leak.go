// Package safety screens outgoing post text for credentials before it can
// reach the approval queue.
package safety

import "regexp"

// Finding is one credential-shaped match in a draft.
type Finding struct {
	Kind   string
	Sample string // redacted prefix of the match, safe to log
}

var secretPatterns = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), "API key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "Google API key"},
	{regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`), "OpenAI API key"},
	{regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{35}\b`), "Telegram bot token"},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), "GitHub token"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

// ScanSecrets returns every credential-shaped match in text, at most three
// per kind. The text itself is not modified.
func ScanSecrets(text string) []Finding {
	if text == "" {
		return nil
	}
	var out []Finding
	for _, p := range secretPatterns {
		for _, m := range p.re.FindAllString(text, 3) {
			out = append(out, Finding{Kind: p.kind, Sample: redactSample(m)})
		}
	}
	return out
}

func redactSample(m string) string {
	if len(m) <= 8 {
		return "***"
	}
	return m[:6] + "***"
}
