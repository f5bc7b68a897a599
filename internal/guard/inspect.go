package guard

import "regexp"

// Violation names one matched signature.
type Violation struct {
	Kind    string
	Pattern string
}

type signature struct {
	kind string
	re   *regexp.Regexp
}

// Signatures cover the injection shapes worth catching before a value ever
// leaves the client. They block obviously hostile submissions early; the
// server still validates everything.
var signatures = []signature{
	{"script_injection", regexp.MustCompile(`(?i)<\s*script`)},
	{"script_injection", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"event_handler", regexp.MustCompile(`(?i)\bon(?:error|load|click|focus|mouseover)\s*=`)},
	{"sql_injection", regexp.MustCompile(`(?i)\b(?:union\s+select|drop\s+table|insert\s+into|delete\s+from)\b`)},
	{"sql_injection", regexp.MustCompile(`(?i)'\s*or\s+'?1'?\s*=\s*'?1`)},
	{"sql_comment", regexp.MustCompile(`--\s*$|/\*.*\*/`)},
	{"path_traversal", regexp.MustCompile(`\.\./|\.\.\\`)},
	{"template_injection", regexp.MustCompile(`\{\{.*\}\}|\$\{.*\}`)},
}

// Inspect screens a user-supplied value against the signature set. A
// non-empty result means the submission must be rejected locally without a
// network call.
func Inspect(value string) []Violation {
	if value == "" {
		return nil
	}
	var found []Violation
	for _, sig := range signatures {
		if sig.re.MatchString(value) {
			found = append(found, Violation{Kind: sig.kind, Pattern: sig.re.String()})
		}
	}
	return found
}
