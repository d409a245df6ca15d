// Package normalize implements the canonical-form reduction of program
// source text and schedule-expression strings that drives deterministic
// content addressing, plus schedule-syntax validation.
package normalize

import (
	"regexp"
)

var (
	blockComment   = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineComment    = regexp.MustCompile(`//[^\n]*`)
	includeLine    = regexp.MustCompile(`(?m)^[ \t]*#[ \t]*include[ \t]+(<[^\n>]*>|"[^\n"]*")[ \t]*$`)
	whitespaceRune = regexp.MustCompile(`[ \t\n\r\f]+`)
)

// Program reduces src to a canonical form for hashing: block comments,
// line comments, and #include directives are stripped, then all
// whitespace is removed. The original source text is never mutated by
// this function and is stored as-is by the Facade; this output exists
// only to drive program_hash.
func Program(src string) string {
	if src == "" {
		return ""
	}
	s := blockComment.ReplaceAllString(src, "")
	s = lineComment.ReplaceAllString(s, "")
	s = includeLine.ReplaceAllString(s, "")
	s = whitespaceRune.ReplaceAllString(s, "")
	return s
}
