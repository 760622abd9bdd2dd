// Package render extracts and substitutes {{variable}} placeholders in
// message templates.
package render

import (
	"regexp"
	"strings"
)

var rePlaceholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// ExtractVariables returns the distinct placeholder names of content in order
// of first appearance.
func ExtractVariables(content string) []string {
	matches := rePlaceholder.FindAllStringSubmatch(content, -1)
	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// Render replaces every known placeholder with its value. Unknown
// placeholders are left as written.
func Render(content string, vars map[string]string) string {
	if content == "" || len(vars) == 0 {
		return content
	}
	return rePlaceholder.ReplaceAllStringFunc(content, func(tok string) string {
		m := rePlaceholder.FindStringSubmatch(tok)
		if v, ok := vars[m[1]]; ok {
			return v
		}
		return tok
	})
}

// Preview shortens rendered text for log entries.
func Preview(s string) string {
	s = strings.TrimSpace(s)
	const max = 128
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
