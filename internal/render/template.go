package render

import (
	"fmt"
	"regexp"
)

var (
	doubleBracePattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
	placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// MissingVariableError reports a placeholder with no value in the variable
// set. Rendering is strict: an unknown placeholder fails the render instead
// of passing through silently.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing template variable: %s", e.Name)
}

// Text substitutes named placeholders into a template. Both {name} and
// {{name}} spellings are accepted; the double-brace form is normalized to the
// single-brace form before substitution.
func Text(template string, vars map[string]string) (string, error) {
	normalized := doubleBracePattern.ReplaceAllString(template, "{$1}")

	var missing *MissingVariableError
	out := placeholderPattern.ReplaceAllStringFunc(normalized, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := vars[name]; ok {
			return value
		}
		if missing == nil {
			missing = &MissingVariableError{Name: name}
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}
