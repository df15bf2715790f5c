// Package types defines the domain model shared by the postbox scheduler:
// job identifiers, the job status enum, parameter overrides and schedule entries.
package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SID is the six-digit job identifier. Valid SIDs are 1..MaxSID; zero means "unset".
type SID int

// MaxSID is the largest SID representable in six digits.
const MaxSID SID = 999999

// NoSID marks an unset SID (for example a legacy row without dependency).
const NoSID SID = 0

var (
	ErrInvalidSID    = errors.New("invalid SID")
	ErrInvalidStatus = errors.New("invalid status")
	ErrInvalidParam  = errors.New("invalid parameter")
)

// String renders the SID zero-padded to six digits.
func (s SID) String() string {
	return fmt.Sprintf("%06d", int(s))
}

// Valid reports whether s is within 1..MaxSID.
func (s SID) Valid() bool {
	return s > NoSID && s <= MaxSID
}

// ParseSID parses a six-digit zero-padded SID such as "000042".
func ParseSID(raw string) (SID, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) != 6 {
		return NoSID, fmt.Errorf("%w: %q is not six digits", ErrInvalidSID, raw)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return NoSID, fmt.Errorf("%w: %q is not numeric", ErrInvalidSID, raw)
	}
	sid := SID(n)
	if !sid.Valid() {
		return NoSID, fmt.Errorf("%w: %q is out of range", ErrInvalidSID, raw)
	}
	return sid, nil
}

// Status is the job lifecycle state.
type Status string

const (
	StatusUnscheduled Status = "unscheduled" // created, no chain yet
	StatusScheduled   Status = "scheduled"   // chain bound and staged
	StatusRunning     Status = "running"     // submitted to the solver
	StatusDone        Status = "done"        // converged, model saved under save_path/SID
	StatusFailed      Status = "failed"      // crashed or aborted, chain released
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusUnscheduled,
	StatusScheduled,
	StatusRunning,
	StatusDone,
	StatusFailed,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus parses a status case-insensitively.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// ChainID identifies a computation chain. Chain numbering starts at 1; zero means unbound.
type ChainID int

// NoChain marks a job without chain binding.
const NoChain ChainID = 0

func (c ChainID) String() string {
	if c == NoChain {
		return ""
	}
	return strconv.Itoa(int(c))
}

// ParseChainID parses a chain number; an empty string yields NoChain.
func ParseChainID(raw string) (ChainID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NoChain, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return NoChain, fmt.Errorf("invalid chain %q", raw)
	}
	return ChainID(n), nil
}

// Param is one key=value override. Keys are matched case-insensitively.
type Param struct {
	Key   string
	Value string
}

func (p Param) String() string {
	return p.Key + "=" + p.Value
}

// ParseParams parses a comma-separated list of key=value pairs.
// An empty or blank string yields no parameters.
func ParseParams(raw string) ([]Param, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	params := make([]Param, 0, len(parts))
	for _, part := range parts {
		key, value, ok := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidParam, strings.TrimSpace(part))
		}
		params = append(params, Param{Key: key, Value: value})
	}
	return params, nil
}

// FormatParams renders params in canonical form: "k=v, k=v".
func FormatParams(params []Param) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

// Job is one row of the jobs database.
type Job struct {
	SID       SID
	Status    Status
	Chain     ChainID
	DependsOn SID
	Params    []Param
	Comment   string
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	cp := j
	if j.Params != nil {
		cp.Params = append([]Param(nil), j.Params...)
	}
	return cp
}

// ScheduleEntry is a pending request from the schedule file.
type ScheduleEntry struct {
	Line      int // 1-based line number in the schedule file
	Raw       string
	DependsOn SID
	Params    []Param
	Comment   string
}
