package completion

import (
	"regexp"
	"strings"
)

// fenceLine matches a whole line that opens or closes a fenced code block,
// including an optional language tag after the backticks.
var fenceLine = regexp.MustCompile("(?m)^[ \t]*```[^\n]*\r?\n?")

// StripFences removes fenced-code markers from a model response. This is
// best-effort textual cleanup, not a parser: a backtick fence inside a string
// literal is stripped along with the real ones.
func StripFences(s string) string {
	s = fenceLine.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "```", "")
	s = strings.Trim(s, "\n")
	return strings.TrimRight(s, " \t")
}

// IndentPolicy selects how a multi-line snippet is re-baselined before it is
// handed back to the editor.
type IndentPolicy string

const (
	// IndentLegacy flattens every line to the minimum indentation found
	// across the snippet's non-blank lines.
	IndentLegacy IndentPolicy = "legacy"
	// IndentCursor applies the indentation of the cursor's source line to
	// every emitted line.
	IndentCursor IndentPolicy = "cursor"
)

// ReflowMinimum rewrites each non-blank line to the smallest leading
// whitespace present in the snippet. Blank lines come out empty.
func ReflowMinimum(s string) string {
	lines := strings.Split(s, "\n")
	base := ""
	found := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := leadingWhitespace(line)
		if !found || len(indent) < len(base) {
			base = indent
			found = true
		}
	}
	if !found {
		return s
	}
	return reflow(lines, base)
}

// ReflowToIndent rewrites each non-blank line to the given indentation.
func ReflowToIndent(s, indent string) string {
	return reflow(strings.Split(s, "\n"), indent)
}

// LineIndent returns the leading whitespace of the 0-based line in code, or
// an empty string when the line is out of range.
func LineIndent(code string, line int) string {
	lines := strings.Split(code, "\n")
	if line < 0 || line >= len(lines) {
		return ""
	}
	return leadingWhitespace(lines[line])
}

func reflow(lines []string, indent string) string {
	out := make([]string, len(lines))
	for i, line := range lines {
		body := strings.TrimLeft(line, " \t")
		if body == "" {
			out[i] = ""
			continue
		}
		out[i] = indent + body
	}
	return strings.Join(out, "\n")
}

func leadingWhitespace(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}
