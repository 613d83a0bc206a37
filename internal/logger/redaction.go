package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor masks credentials in log output
type Redactor struct {
	rules []rule
}

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// NewRedactor creates a redactor for provider keys, bearer tokens and secrets
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			// Anthropic and OpenRouter keys before the generic sk- form
			{regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`sk-or-v1-[a-fA-F0-9]{20,}`), redacted},
			{regexp.MustCompile(`sk-(proj-)?[a-zA-Z0-9_-]{20,}`), redacted},

			{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/-]+=*`), "Bearer " + redacted},

			{regexp.MustCompile(`(?i)(api[_-]?key|shared[_-]?secret|password)(\\?"?[\s:=]+\\?"?)[^\s"\\,}]+`), "${1}${2}" + redacted},
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{pattern: re, replacement: redacted})
	return nil
}

// Redact masks every match in s
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.pattern.ReplaceAllString(s, rl.replacement)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat a shorter
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
