// ============================================================================
// PoWR solver collaborator
// ============================================================================
//
// Package: internal/solver
// File: solver.go
// Purpose: talk to the PoWR process scripts under powr_proc
//
//   status.com                       -> one tab-separated "Ket.N" row per chain
//   status.com name wruniqN <label>  -> set the comment column of chain N
//   submit.com wrstartN to-<host>    -> start chain N on host
//   psx.com all                      -> per-host occupancy
//
// The solver itself is opaque: postbox only reads back status strings and
// the "[SID ######]" label it wrote into the comment column.
//
// ============================================================================

package solver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ChuLiYu/postbox/pkg/types"
)

// ChainStatus is one row of status.com.
type ChainStatus struct {
	Chain   types.ChainID
	Host    string
	WRStart string
	WRUniq  string
	Formal  string
	Comment string
	SID     types.SID // parsed from the "[SID ######]" label, NoSID if unlabeled
}

func (s ChainStatus) fields() []string {
	return []string{s.WRStart, s.WRUniq, s.Formal}
}

// Converged: wrstart done, wruniq converged, formal solution done.
func (s ChainStatus) Converged() bool {
	return strings.TrimSpace(s.WRStart) == "done" &&
		strings.TrimSpace(s.WRUniq) == "Conv" &&
		strings.TrimSpace(s.Formal) == "done"
}

// Crashed reports an abort ("AB") in any program column.
func (s ChainStatus) Crashed() bool {
	for _, f := range s.fields() {
		if strings.Contains(f, "AB") {
			return true
		}
	}
	return false
}

// Active reports a running program in any column.
func (s ChainStatus) Active() bool {
	for _, f := range s.fields() {
		if strings.Contains(f, "ACTIVE") {
			return true
		}
	}
	return false
}

// Occupancy is the load of one compute host.
type Occupancy struct {
	Host   string
	Active int // running PoWR programs
	Cores  int
}

// Free returns the number of unused cores, never negative.
func (o Occupancy) Free() int {
	return max(o.Cores-o.Active, 0)
}

// Client is what the scheduler needs from the solver.
type Client interface {
	Status(ctx context.Context) ([]ChainStatus, error)
	Label(ctx context.Context, chain types.ChainID, sid types.SID) error
	Submit(ctx context.Context, chain types.ChainID, host string) error
	Occupancy(ctx context.Context) ([]Occupancy, error)
}

// RunFunc executes a script and returns its standard output.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Command is a Client backed by the scripts in the powr_proc directory.
type Command struct {
	proc string
	run  RunFunc
}

// NewCommand creates a client for the scripts under procDir.
func NewCommand(procDir string) *Command {
	return &Command{proc: procDir, run: execRun}
}

// WithRunner replaces the process runner.
func (c *Command) WithRunner(run RunFunc) *Command {
	c.run = run
	return c
}

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", filepath.Base(name), err, msg)
		}
		return out, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return out, nil
}

func (c *Command) script(name string) string {
	return filepath.Join(c.proc, name)
}

// Status runs status.com and parses every chain row.
func (c *Command) Status(ctx context.Context) ([]ChainStatus, error) {
	out, err := c.run(ctx, c.script("status.com"))
	if err != nil {
		return nil, fmt.Errorf("query chain status: %w", err)
	}
	return ParseStatus(out), nil
}

// Label writes "[SID ######]" into the chain's comment; NoSID clears it.
func (c *Command) Label(ctx context.Context, chain types.ChainID, sid types.SID) error {
	if _, err := c.run(ctx, c.script("status.com"), "name", "wruniq"+chain.String(), FormatLabel(sid)); err != nil {
		return fmt.Errorf("label chain %s: %w", chain, err)
	}
	return nil
}

// Submit starts wrstart of a chain on host.
func (c *Command) Submit(ctx context.Context, chain types.ChainID, host string) error {
	if _, err := c.run(ctx, c.script("submit.com"), "wrstart"+chain.String(), "to-"+host); err != nil {
		return fmt.Errorf("submit chain %s to %s: %w", chain, host, err)
	}
	return nil
}

// Occupancy runs psx.com all.
func (c *Command) Occupancy(ctx context.Context) ([]Occupancy, error) {
	out, err := c.run(ctx, c.script("psx.com"), "all")
	if err != nil {
		return nil, fmt.Errorf("query host occupancy: %w", err)
	}
	return ParseOccupancy(out), nil
}

// ============================================================================
// Parsers
// ============================================================================

var (
	labelPattern     = regexp.MustCompile(`\[SID ([0-9]{6})\]`)
	occupancyPattern = regexp.MustCompile(`HOST = (.+) \(.+ ([0-9]+) active PoWR programs, ([0-9]+) Cores available`)
)

// FormatLabel renders the chain comment for sid.
func FormatLabel(sid types.SID) string {
	if sid == types.NoSID {
		return ""
	}
	return "[SID " + sid.String() + "]"
}

// ParseLabel extracts the SID from a chain comment.
func ParseLabel(comment string) types.SID {
	m := labelPattern.FindStringSubmatch(comment)
	if m == nil {
		return types.NoSID
	}
	sid, err := types.ParseSID(m[1])
	if err != nil {
		return types.NoSID
	}
	return sid
}

// ParseStatus parses status.com output. Rows that are not "Ket.N" with
// at least seven tab-separated columns are skipped.
func ParseStatus(out []byte) []ChainStatus {
	var rows []ChainStatus
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(line, "Ket.") {
			continue
		}
		cols := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(cols) < 7 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(cols[0], "Ket.")))
		if err != nil || n < 1 {
			continue
		}
		rows = append(rows, ChainStatus{
			Chain:   types.ChainID(n),
			Host:    strings.TrimSpace(cols[1]),
			WRStart: cols[2],
			WRUniq:  cols[3],
			Formal:  cols[5],
			Comment: strings.TrimSpace(cols[6]),
			SID:     ParseLabel(cols[6]),
		})
	}
	return rows
}

// ParseOccupancy parses psx.com output. Each host is a "HOST = ..." line
// directly followed (ignoring other lines) by its "Efficiency" line.
func ParseOccupancy(out []byte) []Occupancy {
	var relevant []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "HOST") || strings.Contains(line, "Efficiency") {
			relevant = append(relevant, strings.TrimRight(line, "\r"))
		}
	}

	var hosts []Occupancy
	for i := 0; i+1 < len(relevant); i++ {
		if !strings.Contains(relevant[i], "HOST") || !strings.Contains(relevant[i+1], "Efficiency") {
			continue
		}
		m := occupancyPattern.FindStringSubmatch(relevant[i] + " " + relevant[i+1])
		i++
		if m == nil {
			continue
		}
		active, _ := strconv.Atoi(m[2])
		cores, _ := strconv.Atoi(m[3])
		hosts = append(hosts, Occupancy{Host: strings.TrimSpace(m[1]), Active: active, Cores: cores})
	}
	return hosts
}
