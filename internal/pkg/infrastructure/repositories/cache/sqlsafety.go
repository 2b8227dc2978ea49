package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// Leading keywords accepted on the user-facing query path. Everything else,
// including DDL and DML, is rejected before it reaches the engine.
var allowedPrefixes = map[string]struct{}{
	"select":    {},
	"with":      {},
	"explain":   {},
	"describe":  {},
	"show":      {},
	"pragma":    {},
	"summarize": {},
}

// InvalidQueryError is returned when user-supplied SQL fails the read-only
// safety gate.
type InvalidQueryError struct {
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return "invalid query: " + e.Reason
}

var commentPattern = regexp.MustCompile(`(?s)(/\*.*?\*/|--[^\n]*\n?)`)

// ValidateSQL rejects statements that are not read-only, and statements that
// stack multiple commands with a semicolon. Semicolons inside single-quoted
// string literals are legitimate data (e.g. "Phosphorus; total") and pass.
func ValidateSQL(sql string) error {
	cleaned := strings.TrimSpace(commentPattern.ReplaceAllString(sql, ""))

	words := strings.Fields(cleaned)
	first := ""
	if len(words) > 0 {
		first = strings.ToLower(words[0])
	}

	if _, ok := allowedPrefixes[first]; !ok {
		return &InvalidQueryError{
			Reason: fmt.Sprintf(
				"only read-only queries are allowed, got '%s...'. Use SELECT, WITH, EXPLAIN, DESCRIBE, SHOW, PRAGMA or SUMMARIZE",
				first),
		}
	}

	if hasBareSemicolon(sql) {
		return &InvalidQueryError{
			Reason: "statements must not contain semicolons outside string literals; send one statement at a time",
		}
	}

	return nil
}

// hasBareSemicolon scans for a semicolon outside single-quoted text. This is
// a quote tracker, not a SQL tokenizer: it knows about backslash-escaped
// quotes but not about double-quoted identifiers or dialect-specific escape
// schemes. Known limitation, kept deliberately simple.
func hasBareSemicolon(sql string) bool {
	inString := false
	escaped := false

	for _, r := range sql {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				return true
			}
		}
	}

	return false
}
