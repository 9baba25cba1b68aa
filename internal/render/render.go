// Package render substitutes {{variable}} placeholders in response templates.
package render

import (
	"regexp"

	"github.com/BTreeMap/InstaPipe/internal/models"
)

// Variables known to the template language.
const (
	VarUsername       = "username"
	VarName           = "name"
	VarKeyword        = "keyword"
	VarOriginalPoster = "originalPoster"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Render replaces every placeholder whose name is in vars. Placeholders with
// unknown names are left exactly as written.
func Render(template string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// Placeholders lists the variable names used by template in order of first use.
func Placeholders(template string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholder.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// UnknownVariables lists the placeholders in template that no event can fill.
// They are sent verbatim, which is usually a typo in the template.
func UnknownVariables(template string) []string {
	var unknown []string
	for _, name := range Placeholders(template) {
		switch name {
		case VarUsername, VarName, VarKeyword, VarOriginalPoster:
		default:
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// VariablesFor captures the template variables of an event. name falls back to
// the handle when the platform did not provide a display name.
func VariablesFor(event models.InboundEvent, keyword string) map[string]string {
	handle := event.Handle()
	name := event.SourceName
	if name == "" {
		name = handle
	}
	vars := map[string]string{
		VarUsername: handle,
		VarName:     name,
		VarKeyword:  keyword,
	}
	if event.OriginalPoster != "" {
		vars[VarOriginalPoster] = event.OriginalPoster
	}
	return vars
}
