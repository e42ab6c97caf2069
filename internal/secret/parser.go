package secret

import (
	"regexp"
)

// placeholderRegex matches {NAME} with NAME a C identifier. Access tokens (vtk_ + hex)
// are identifiers too, so {vtk_...} is matched by the same rule.
var placeholderRegex = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// HasPlaceholders returns true if the string contains at least one placeholder
func HasPlaceholders(input string) bool {
	return placeholderRegex.MatchString(input)
}

// FindPlaceholders finds all placeholders in a string, in order of appearance
func FindPlaceholders(input string) []Placeholder {
	matches := placeholderRegex.FindAllStringSubmatch(input, -1)
	out := make([]Placeholder, 0, len(matches))
	for _, m := range matches {
		out = append(out, Placeholder{Name: m[1], Original: m[0]})
	}
	return out
}
