// Package template expands {{name}} placeholders in action endpoints.
package template

import (
	"regexp"
	"slices"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Expand replaces {{name}} placeholders with values from vars. Unknown
// placeholders are left as written.
func Expand(tmpl string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		return match
	})
}

// Unknown returns the placeholder names in tmpl that are not in known, in
// order of first appearance.
func Unknown(tmpl string, known ...string) []string {
	var out []string
	for _, m := range placeholder.FindAllStringSubmatch(tmpl, -1) {
		if !slices.Contains(known, m[1]) && !slices.Contains(out, m[1]) {
			out = append(out, m[1])
		}
	}
	return out
}

var subjectUnsafe = strings.NewReplacer(".", "_", " ", "_", "\t", "_", "*", "_", ">", "_")

// SubjectToken makes s usable as a single NATS subject token.
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return subjectUnsafe.Replace(s)
}
