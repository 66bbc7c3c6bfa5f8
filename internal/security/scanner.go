package security

import "regexp"

// secretPattern pairs a human-readable label with a detection regex. The
// label goes into deny reasons and audit logs; the matched text never does.
type secretPattern struct {
	name string
	re   *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{"aws access key", regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`)},
	{"aws secret key", regexp.MustCompile(`(?i)aws[_-]?secret[_-]?access[_-]?key["']?\s*[:=]\s*["']?[A-Za-z0-9/+=]{40}`)},
	{"private key block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"github token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9_]{36,}`)},
	{"slack token", regexp.MustCompile(`(?i)\bxox[baprs]-[A-Za-z0-9-]{10,}`)},
	{"anthropic key", regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}`)},
	{"bearer token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-.~+/]{20,}`)},
	{"api key assignment", regexp.MustCompile(`(?i)(?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token)["']?\s*[:=]\s*["']?[A-Za-z0-9_\-.]{20,}`)},
	{"password assignment", regexp.MustCompile(`(?i)(?:password|passwd)["']?\s*[:=]\s*["']?[^"'\s]{8,}`)},
}

// ScanForSecrets reports whether payload appears to contain credential
// material, and which pattern matched. Used as the last trifecta leg on
// outbound writes: secrets in a payload force human approval no matter what
// the taint state says.
func ScanForSecrets(payload string) (bool, string) {
	for _, p := range secretPatterns {
		if p.re.MatchString(payload) {
			return true, p.name
		}
	}
	return false, ""
}
