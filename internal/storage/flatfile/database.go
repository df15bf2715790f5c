// ============================================================================
// Jobs database codec
// ============================================================================
//
// Package: internal/storage/flatfile
// File: database.go
// Purpose: decode/encode the pipe-delimited jobs database
//
// Layout:
//   SID|STATUS|CHAIN|dSID|PARAMS|COMMENT      <- header
//   ------|------|-----|------|------|-------  <- marker
//   000002|done|3|000001|TEFF=40000.|seed      <- one row per job
//
// Header and marker lines are recognized at the top of the file and written
// back verbatim. Blank lines are dropped. Row order is preserved.
//
// ============================================================================

package flatfile

import (
	"bytes"
	"strings"

	"github.com/ChuLiYu/postbox/pkg/types"
)

const (
	// DatabaseHeader is the canonical jobs database header line
	DatabaseHeader = "SID|STATUS|CHAIN|dSID|PARAMS|COMMENT"
	// DatabaseMarker is the canonical separator written under the header
	DatabaseMarker = "------|------|-----|------|------|-------"

	databaseFields = 6
)

// Database is the decoded jobs database.
type Database struct {
	Header string
	Marker string
	Jobs   []types.Job
	Lines  []int // source line of each job, parallel to Jobs (zero for new jobs)
}

// DecodeDatabase parses the jobs database text.
// Any row not matching the six-field shape fails with *MalformedRowError.
func DecodeDatabase(data []byte) (*Database, error) {
	db := &Database{Header: DatabaseHeader, Marker: DatabaseMarker}

	lines := splitLines(data)
	i := 0
	i = skipBlank(lines, i)
	if i < len(lines) && isDatabaseHeader(lines[i]) {
		db.Header = strings.TrimRight(lines[i], " \t\r")
		i = skipBlank(lines, i+1)
		if i < len(lines) && isMarker(lines[i]) {
			db.Marker = strings.TrimRight(lines[i], " \t\r")
			i++
		}
	}

	for ; i < len(lines); i++ {
		text := strings.TrimRight(lines[i], "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		job, err := decodeRow(text, i+1)
		if err != nil {
			return nil, err
		}
		db.Jobs = append(db.Jobs, job)
		db.Lines = append(db.Lines, i+1)
	}
	return db, nil
}

func decodeRow(text string, line int) (types.Job, error) {
	malformed := func(reason string) error {
		return &MalformedRowError{Line: line, Text: text, Reason: reason}
	}

	fields := strings.Split(strings.TrimSpace(text), "|")
	if len(fields) != databaseFields {
		return types.Job{}, malformed("expected 6 fields")
	}

	sid, err := types.ParseSID(fields[0])
	if err != nil {
		return types.Job{}, malformed(err.Error())
	}
	status, err := types.ParseStatus(fields[1])
	if err != nil {
		return types.Job{}, malformed(err.Error())
	}
	chain, err := types.ParseChainID(fields[2])
	if err != nil {
		return types.Job{}, malformed(err.Error())
	}

	dep := types.NoSID
	if strings.TrimSpace(fields[3]) != "" {
		dep, err = types.ParseSID(fields[3])
		if err != nil {
			return types.Job{}, malformed("dSID: " + err.Error())
		}
	}

	params, err := types.ParseParams(fields[4])
	if err != nil {
		return types.Job{}, malformed(err.Error())
	}

	return types.Job{
		SID:       sid,
		Status:    status,
		Chain:     chain,
		DependsOn: dep,
		Params:    params,
		Comment:   strings.TrimSpace(fields[5]),
	}, nil
}

// Encode renders the database deterministically: header, marker, then rows in order.
func (db *Database) Encode() []byte {
	var buf bytes.Buffer
	header, marker := db.Header, db.Marker
	if header == "" {
		header = DatabaseHeader
	}
	if marker == "" {
		marker = DatabaseMarker
	}
	buf.WriteString(header)
	buf.WriteByte('\n')
	buf.WriteString(marker)
	buf.WriteByte('\n')
	for _, job := range db.Jobs {
		buf.WriteString(EncodeRow(job))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// EncodeRow renders a single job row.
func EncodeRow(job types.Job) string {
	dep := ""
	if job.DependsOn != types.NoSID {
		dep = job.DependsOn.String()
	}
	return strings.Join([]string{
		job.SID.String(),
		string(job.Status),
		job.Chain.String(),
		dep,
		types.FormatParams(job.Params),
		job.Comment,
	}, "|")
}

func isDatabaseHeader(line string) bool {
	compact := strings.ReplaceAll(strings.TrimSpace(line), " ", "")
	return strings.EqualFold(compact, DatabaseHeader)
}

// isMarker accepts any non-empty line made only of separator characters.
func isMarker(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		switch r {
		case '-', '=', '|', '+', ' ', '\t':
		default:
			return false
		}
	}
	return strings.ContainsAny(trimmed, "-=")
}

// splitLines splits on '\n' and drops the empty tail produced by a trailing newline.
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	lines := strings.Split(string(data), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func skipBlank(lines []string, i int) int {
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return i
}
