// Package sql provides SQL text utilities shared by the renderer and adapters.
package sql

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrMultipleStatements indicates the SQL contains more than one statement
	// where only one is allowed.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; parameterized statements must be single statements")

	blankLineRun = regexp.MustCompile(`\n{3,}`)
)

// Normalize produces the canonical form of rendered SQL: trailing whitespace
// is removed from every line, runs of blank lines collapse to one, and a
// trailing semicolon is stripped.
func Normalize(sqlText string) string {
	lines := strings.Split(strings.ReplaceAll(sqlText, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	out := strings.Join(lines, "\n")
	out = blankLineRun.ReplaceAllString(out, "\n\n")
	return stripTrailingSemicolon(strings.TrimSpace(out))
}

// ValidateSingleStatement returns ErrMultipleStatements when sqlText holds
// more than one statement.
func ValidateSingleStatement(sqlText string) error {
	if CountStatements(sqlText) > 1 {
		return ErrMultipleStatements
	}
	return nil
}

// CountStatements counts statements separated by semicolons outside of
// literals, quoted identifiers and comments. Empty statements are not counted.
func CountStatements(sqlText string) int {
	count := 0
	for _, s := range SplitStatements(sqlText) {
		if strings.TrimSpace(s) != "" {
			count++
		}
	}
	return count
}

// SplitStatements splits sqlText on top-level semicolons.
func SplitStatements(sqlText string) []string {
	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
		stateBacktick
		stateBracket
		stateLineComment
		stateBlockComment
	)

	var (
		parts []string
		start int
	)
	state := stateNormal
	runes := []rune(sqlText)

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch state {
		case stateNormal:
			switch {
			case c == ';':
				parts = append(parts, string(runes[start:i]))
				start = i + 1
			case c == '\'':
				state = stateSingleQuote
			case c == '"':
				state = stateDoubleQuote
			case c == '`':
				state = stateBacktick
			case c == '[':
				state = stateBracket
			case c == '-' && next == '-':
				state = stateLineComment
				i++
			case c == '/' && next == '*':
				state = stateBlockComment
				i++
			}
		case stateSingleQuote:
			// A doubled quote exits and re-enters, which keeps us inside the literal.
			if c == '\\' {
				i++
			} else if c == '\'' {
				state = stateNormal
			}
		case stateDoubleQuote:
			if c == '"' {
				state = stateNormal
			}
		case stateBacktick:
			if c == '\\' {
				i++
			} else if c == '`' {
				state = stateNormal
			}
		case stateBracket:
			if c == ']' {
				state = stateNormal
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNormal
			}
		case stateBlockComment:
			if c == '*' && next == '/' {
				state = stateNormal
				i++
			}
		}
	}

	if start < len(runes) {
		parts = append(parts, string(runes[start:]))
	}
	return parts
}

// stripTrailingSemicolon removes a trailing semicolon and any whitespace around it.
func stripTrailingSemicolon(sqlText string) string {
	sqlText = strings.TrimRight(sqlText, " \t\n\r")
	if strings.HasSuffix(sqlText, ";") {
		sqlText = strings.TrimRight(strings.TrimSuffix(sqlText, ";"), " \t\n\r")
	}
	return sqlText
}
