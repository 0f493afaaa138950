package sql

import (
	"sort"

	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult describes a value that looks like SQL injection.
type InjectionCheckResult struct {
	Field       string
	Value       string
	Fingerprint string
}

// CheckValueForInjection runs libinjection over a free-text value. Values are
// always bound as parameters; a hit marks data worth an operator's attention,
// not a rejected statement.
func CheckValueForInjection(field, value string) *InjectionCheckResult {
	if value == "" {
		return nil
	}
	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		Field:       field,
		Value:       value,
		Fingerprint: string(fingerprint),
	}
}

// CheckAllValues screens every field of a record, in field name order.
func CheckAllValues(fields map[string]string) []*InjectionCheckResult {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var results []*InjectionCheckResult
	for _, name := range names {
		if r := CheckValueForInjection(name, fields[name]); r != nil {
			results = append(results, r)
		}
	}
	return results
}
