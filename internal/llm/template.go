package llm

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Prompt templates use %{name} substitution points. Agents may override the
// surrounding template text, but the placeholder names are a fixed vocabulary:
// a template referencing a name the caller did not supply fails loudly instead
// of rendering a half-filled prompt.

var placeholderPattern = regexp.MustCompile(`%\{([a-zA-Z_]+)\}`)

// RenderTemplate substitutes every %{name} in template with vars[name].
// It returns an error naming the offending placeholder when the template
// references a name absent from vars.
func RenderTemplate(template string, vars map[string]string) (string, error) {
	var unknown []string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := vars[name]
		if !ok {
			unknown = append(unknown, name)
			return match
		}
		return value
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("template references unknown placeholder(s) %s; supported: %s",
			strings.Join(unknown, ", "), strings.Join(sortedKeys(vars), ", "))
	}
	return out, nil
}

// TemplatePlaceholders lists the distinct placeholder names a template uses,
// in order of first appearance.
func TemplatePlaceholders(template string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

func sortedKeys(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
