package normalize

import (
	"fmt"
	"regexp"
	"strings"
)

var compsBlock = regexp.MustCompile(`comps=\[([^\]]*)\]`)

// Schedule reduces a schedule-expression string to canonical form: all
// whitespace removed, and every comp name inside a comps=[...] block
// rewritten in single quotes unconditionally. Empty/absent input
// normalizes to the empty string.
func Schedule(schedule string) string {
	if schedule == "" {
		return ""
	}
	s := whitespaceRune.ReplaceAllString(schedule, "")
	s = compsBlock.ReplaceAllStringFunc(s, func(block string) string {
		m := compsBlock.FindStringSubmatch(block)
		inner := m[1]
		items := strings.Split(inner, ",")
		out := make([]string, 0, len(items))
		for _, item := range items {
			item = strings.Trim(item, `"'`)
			out = append(out, "'"+item+"'")
		}
		return "comps=[" + strings.Join(out, ",") + "]"
	})
	return s
}

// loop-level token, e.g. L0, L12
const lx = `L[0-9]+`

var (
	compNameQuoted   = `(?:'[^']*'|"[^"]*")`
	compNameUnquoted = `[A-Za-z_][A-Za-z0-9_]*`
	compName         = `(?:` + compNameQuoted + `|` + compNameUnquoted + `)`
	compsGroup       = `comps=\[` + compName + `(?:,` + compName + `)*\]`
)

func grammar(pattern string) *regexp.Regexp {
	return regexp.MustCompile(`^` + pattern + `$`)
}

var scheduleGrammars = map[string]*regexp.Regexp{
	"S":  grammar(`S\(` + lx + `,` + lx + `,-?[0-9]+,-?[0-9]+,` + compsGroup + `\)`),
	"I":  grammar(`I\(` + lx + `,` + lx + `,` + compsGroup + `\)`),
	"R":  grammar(`R\(` + lx + `,` + compsGroup + `\)`),
	"P":  grammar(`P\(` + lx + `,` + compsGroup + `\)`),
	"T2": grammar(`T2\(` + lx + `,` + lx + `,[0-9]+,[0-9]+,` + compsGroup + `\)`),
	"T3": grammar(`T3\(` + lx + `,` + lx + `,` + lx + `,[0-9]+,[0-9]+,[0-9]+,` + compsGroup + `\)`),
	"U":  grammar(`U\(` + lx + `,[0-9]+,` + compsGroup + `\)`),
	"F":  grammar(`F\(` + lx + `,` + compsGroup + `\)`),
}

var leadingName = regexp.MustCompile(`^([A-Z][A-Z0-9]*)`)

// ValidateSchedule checks a schedule string against the transformation
// grammar. An empty string is valid. On failure it returns false and a
// reason string suitable for surfacing directly to users (it is part of
// the public error contract).
func ValidateSchedule(schedule string) (bool, string) {
	if schedule == "" {
		return true, ""
	}
	s := whitespaceRune.ReplaceAllString(schedule, "")
	for _, token := range strings.Split(s, "|") {
		if token == "" {
			return false, "Empty segment in schedule (leading, trailing, or double '|')."
		}
		m := leadingName.FindStringSubmatch(token)
		if m == nil {
			return false, fmt.Sprintf("Unrecognized token (does not start with a transformation name): %q", token)
		}
		name := m[1]
		rule, ok := scheduleGrammars[name]
		if !ok {
			return false, fmt.Sprintf("Unknown transformation: %q in %q", name, token)
		}
		if !rule.MatchString(token) {
			return false, fmt.Sprintf("Malformed %s transformation: %q", name, token)
		}
	}
	return true, ""
}
