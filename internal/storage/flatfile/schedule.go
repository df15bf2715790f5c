package flatfile

// ============================================================================
// Schedule file codec
// ============================================================================
//
// The schedule file is operator-authored, so everything that is not a
// consumed entry is written back exactly as it was read: header, marker,
// blank lines, '#' notes, even malformed entries awaiting a fix.
//
//   from SID ###### | parameters | comment
//   ------------------------------------------
//   from SID 000001 | Teff=40000., log ggrav=3.85 | ex
//
// ============================================================================

import (
	"regexp"
	"strings"

	"github.com/ChuLiYu/postbox/pkg/types"
)

const (
	// ScheduleHeader is the canonical schedule file header template
	ScheduleHeader = "from SID ###### | parameters | comment"
	// ScheduleMarker is the canonical separator written under the header
	ScheduleMarker = "------------------------------------------"
)

var (
	fromSIDPattern    = regexp.MustCompile(`(?i)^\s*from\s+SID\s+(\S+)\s*$`)
	headerFromPattern = regexp.MustCompile(`(?i)^\s*from\s+SID\s+#+\s*$`)
)

// Schedule is a decoded schedule file.
type Schedule struct {
	lines           []string
	trailingNewline bool

	// Entries are the well-formed pending requests in file order.
	Entries []types.ScheduleEntry
	// Invalid lists lines that look like entries but cannot be parsed.
	Invalid []*MalformedEntryError
}

// DecodeSchedule parses the schedule file text. It never fails as a whole:
// malformed entries are collected in Invalid and stay in the file.
func DecodeSchedule(data []byte) *Schedule {
	s := &Schedule{
		lines:           splitLines(data),
		trailingNewline: len(data) > 0 && data[len(data)-1] == '\n',
	}

	for i, raw := range s.lines {
		text := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(text)
		switch {
		case trimmed == "", strings.HasPrefix(trimmed, "#"):
			continue
		case isScheduleHeader(text), isMarker(text):
			continue
		}

		entry, err := decodeEntry(text, i+1)
		if err != nil {
			s.Invalid = append(s.Invalid, err)
			continue
		}
		s.Entries = append(s.Entries, entry)
	}
	return s
}

func decodeEntry(text string, line int) (types.ScheduleEntry, *MalformedEntryError) {
	malformed := func(reason string) *MalformedEntryError {
		return &MalformedEntryError{Line: line, Text: text, Reason: reason}
	}

	fields := strings.Split(text, "|")
	if len(fields) < 2 || len(fields) > 3 {
		return types.ScheduleEntry{}, malformed("expected 'from SID <SID> | <params> | <comment>'")
	}

	m := fromSIDPattern.FindStringSubmatch(fields[0])
	if m == nil {
		return types.ScheduleEntry{}, malformed("first field must be 'from SID <SID>'")
	}
	dep, err := types.ParseSID(m[1])
	if err != nil {
		return types.ScheduleEntry{}, malformed(err.Error())
	}

	params, err := types.ParseParams(fields[1])
	if err != nil {
		return types.ScheduleEntry{}, malformed(err.Error())
	}

	comment := ""
	if len(fields) == 3 {
		comment = strings.TrimSpace(fields[2])
	}

	return types.ScheduleEntry{
		Line:      line,
		Raw:       text,
		DependsOn: dep,
		Params:    params,
		Comment:   comment,
	}, nil
}

// Encode returns the file content unchanged.
func (s *Schedule) Encode() []byte {
	return s.Without(nil)
}

// Without renders the file with the given 1-based lines removed.
// Every other line, including its line ending, is reproduced byte for byte.
func (s *Schedule) Without(consumed map[int]bool) []byte {
	var b strings.Builder
	kept := 0
	for i, raw := range s.lines {
		if consumed[i+1] {
			continue
		}
		if kept > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(raw)
		kept++
	}
	if kept > 0 && s.trailingNewline {
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Pending reports whether the file holds any entry, valid or not.
func (s *Schedule) Pending() int {
	return len(s.Entries) + len(s.Invalid)
}

func isScheduleHeader(line string) bool {
	first, _, _ := strings.Cut(line, "|")
	return headerFromPattern.MatchString(first)
}
