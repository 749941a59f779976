package registry

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// templateVarPattern matches placeholders like {variable_name} in endpoints.
var templateVarPattern = regexp.MustCompile(`\{([a-zA-Z0-9_-]{1,64})\}`)

// ResolveTemplate replaces every {placeholder} in tmpl with its value from
// variables. The error names every placeholder without a value.
func ResolveTemplate(tmpl string, variables map[string]string) (string, error) {
	missing := map[string]bool{}
	result := templateVarPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1 : len(match)-1]
		val, ok := variables[name]
		if !ok {
			missing[name] = true
			return match
		}
		return val
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", fmt.Errorf("template variables not defined: %s", strings.Join(names, ", "))
	}
	return result, nil
}

// ExtractTemplateVars returns the unique placeholder names in tmpl, in order
// of first appearance.
func ExtractTemplateVars(tmpl string) []string {
	seen := map[string]bool{}
	var vars []string
	for _, m := range templateVarPattern.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			vars = append(vars, m[1])
		}
	}
	return vars
}
