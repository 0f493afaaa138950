package sql

import (
	"fmt"
	"regexp"
)

// MaxIdentifierLength bounds one identifier fragment.
const MaxIdentifierLength = 128

// identifierPattern admits plain SQL identifiers plus hyphens, which BigQuery
// project ids use. Fragments are always quoted after validation.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$-]*$`)

// ValidateIdentifier rejects anything that is not a configuration style name.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier is empty")
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("identifier %q exceeds %d characters", name, MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("identifier %q contains characters outside [A-Za-z0-9_$-]", name)
	}
	return nil
}
