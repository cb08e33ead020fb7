package services

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Placeholders lists the distinct variable names referenced by tmpl.
func Placeholders(tmpl string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Render substitutes {{name}} placeholders from vars. Unknown names render
// empty and are returned in missing.
func Render(tmpl string, vars map[string]string) (rendered string, missing []string) {
	rendered = placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return ""
		}
		return v
	})
	return strings.TrimSpace(rendered), missing
}

// ValidateTemplate reports whether every placeholder in tmpl can be
// resolved from vars.
func ValidateTemplate(tmpl string, vars map[string]string) bool {
	for _, name := range Placeholders(tmpl) {
		if _, ok := vars[name]; !ok {
			return false
		}
	}
	return true
}
