package dispatch

import (
	"encoding/json"
	"regexp"

	"github.com/stewardlabs/veract/pkg/contracts"
)

// redaction pairs a secret pattern with its replacement. Replacements keep
// surrounding structure (key names, URL scheme) so a redacted trace stays
// readable and, where the match sits inside JSON, stays parseable.
type redaction struct {
	re   *regexp.Regexp
	repl string
}

// redactions run in order, most specific first. Generic key/value forms run
// last so prefixed token formats keep their precise labels.
var redactions = []redaction{
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), "[PRIVATE_KEY_REDACTED]"},
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`), "[PRIVATE_KEY_REDACTED]"},
	{regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`), "[JWT_REDACTED]"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[AWS_KEY_REDACTED]"},
	{regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`), "[SLACK_TOKEN_REDACTED]"},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), "[GITHUB_TOKEN_REDACTED]"},
	{regexp.MustCompile(`\b[rs]k_(?:live|test)_[0-9a-zA-Z]{24,}\b`), "[STRIPE_KEY_REDACTED]"},
	{regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9_\-.=]{16,}`), "${1} [TOKEN_REDACTED]"},
	{regexp.MustCompile(`(?i)("(?:api[_-]?key|apikey|token|access[_-]?token|secret|password|authorization)"\s*:\s*")[^"]*(")`), "${1}[REDACTED]${2}"},
	{regexp.MustCompile(`(?i)\b(api[_-]?key|apikey|token|access[_-]?token|secret|password|passwd|pwd)\s*[:=]\s*[^\s,;"']{6,}`), "${1}=[REDACTED]"},
	{regexp.MustCompile(`(?i)\b(postgres|postgresql|mysql|mongodb|redis|amqp)://[^\s'"@]+:[^\s'"@]+@`), "${1}://[REDACTED]@"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), "[EMAIL_REDACTED]"},
}

// Redact masks credential material and email addresses in a string.
func Redact(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// SanitizeTrace redacts every step's detail before the trace is persisted
// anywhere. A detail that no longer parses as JSON after redaction is
// replaced wholesale rather than stored broken.
func SanitizeTrace(steps []contracts.TraceStep) []contracts.TraceStep {
	out := make([]contracts.TraceStep, len(steps))
	for i, step := range steps {
		step.Detail = sanitizeDetail(step.Detail)
		out[i] = step
	}
	return out
}

func sanitizeDetail(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	clean := Redact(string(raw))
	if clean == string(raw) {
		return raw
	}
	if json.Valid([]byte(clean)) {
		return json.RawMessage(clean)
	}
	return json.RawMessage(`{"redacted":true}`)
}
