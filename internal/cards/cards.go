// Package cards rewrites a PoWR CARDS parameter file.
//
// A CARDS file is free-form text where each line carries one or more
// "KEY value", "KEY=value" or "KEY: value" settings. Lines starting with '-'
// are disabled settings and never touched. Keys match case-insensitively and
// a multi-word key ("LOG GGRAV") matches any run of whitespace between words.
package cards

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ChuLiYu/postbox/pkg/types"
)

// HeadlineKey is always rewritten; its value runs to the end of the line.
const HeadlineKey = "HEADLINE"

// ErrUnappliedParameter marks a parameter key that matched no CARDS field.
var ErrUnappliedParameter = errors.New("unapplied parameter")

// UnappliedError names the parameter that matched nothing.
type UnappliedError struct {
	Param types.Param
}

func (e *UnappliedError) Error() string {
	return fmt.Sprintf("unapplied parameter %s: no matching CARDS field", e.Param)
}

func (e *UnappliedError) Unwrap() error {
	return ErrUnappliedParameter
}

// Template is a parsed CARDS file.
type Template struct {
	lines []string
	cr    []bool // line had a trailing '\r'
}

// Parse splits a CARDS file into lines. It keeps the original line endings.
func Parse(data []byte) *Template {
	raw := strings.Split(string(data), "\n")
	t := &Template{lines: make([]string, len(raw)), cr: make([]bool, len(raw))}
	for i, line := range raw {
		t.lines[i] = strings.TrimSuffix(line, "\r")
		t.cr[i] = len(line) != len(t.lines[i])
	}
	return t
}

// Apply overwrites each parameter's field and sets HEADLINE to SID<sid>.
// Every occurrence of a key is rewritten. Keys that match nothing are
// returned as *UnappliedError warnings; the rest of the file is unchanged.
func (t *Template) Apply(params []types.Param, sid types.SID) ([]byte, []error) {
	lines := append([]string(nil), t.lines...)

	var warnings []error
	for _, p := range params {
		if strings.EqualFold(p.Key, HeadlineKey) {
			continue
		}
		if !substitute(lines, fieldPattern(p.Key, false), p.Value) {
			warnings = append(warnings, &UnappliedError{Param: p})
		}
	}

	headline := types.Param{Key: HeadlineKey, Value: "SID" + sid.String()}
	if !substitute(lines, fieldPattern(HeadlineKey, true), headline.Value) {
		warnings = append(warnings, &UnappliedError{Param: headline})
	}

	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		if t.cr[i] {
			b.WriteByte('\r')
		}
	}
	return []byte(b.String()), warnings
}

// Value returns the current value of key, or false if the key is absent.
func (t *Template) Value(key string) (string, bool) {
	re := fieldPattern(key, strings.EqualFold(key, HeadlineKey))
	for _, line := range t.lines {
		if disabled(line) {
			continue
		}
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1], true
		}
	}
	return "", false
}

func fieldPattern(key string, toEOL bool) *regexp.Regexp {
	words := strings.Fields(key)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	value := `(\S+)`
	if toEOL {
		value = `(\S.*?)\s*$`
	}
	return regexp.MustCompile(`(?i)(?:^|\s)` + strings.Join(words, `\s+`) + `(?:\s*[:=]\s*|\s+)` + value)
}

func substitute(lines []string, re *regexp.Regexp, value string) bool {
	applied := false
	for i, line := range lines {
		if disabled(line) {
			continue
		}
		loc := re.FindStringSubmatchIndex(line)
		if loc == nil {
			continue
		}
		lines[i] = line[:loc[2]] + value + line[loc[3]:]
		applied = true
	}
	return applied
}

func disabled(line string) bool {
	return strings.HasPrefix(line, "-")
}
