package scheduler

import (
	"errors"
	"time"

	"github.com/ChuLiYu/postbox/internal/cards"
	"github.com/ChuLiYu/postbox/internal/chain"
	"github.com/ChuLiYu/postbox/internal/jobmanager"
	"github.com/ChuLiYu/postbox/internal/modelstore"
	"github.com/ChuLiYu/postbox/internal/storage/flatfile"
	"github.com/ChuLiYu/postbox/pkg/types"
	"github.com/google/uuid"
)

// Op names a scheduler operation.
type Op string

const (
	OpAuto   Op = "auto"
	OpStage  Op = "stage"
	OpSubmit Op = "submit"
	OpSync   Op = "sync"
	OpRetry  Op = "retry"
	OpClean  Op = "clean"
	OpCheck  Op = "check"
)

// Admission is a schedule entry turned into a scheduled job.
type Admission struct {
	Line      int
	SID       types.SID
	DependsOn types.SID
	Chain     types.ChainID
}

// Failure is a per-entry or per-job error that did not abort the operation.
// Line is set for schedule entries, SID for existing jobs.
type Failure struct {
	Line      int
	SID       types.SID
	DependsOn types.SID
	Err       error
}

// Warning is a non-fatal condition, e.g. an unapplied parameter.
type Warning struct {
	SID   types.SID
	Chain types.ChainID
	Err   error
}

// Transition records one job state change.
type Transition struct {
	SID   types.SID
	From  types.Status
	To    types.Status
	Chain types.ChainID
}

// Report is the outcome of one operation.
type Report struct {
	ID         string
	Op         Op
	StartedAt  time.Time
	FinishedAt time.Time

	Admitted    []Admission
	Failures    []Failure
	Warnings    []Warning
	Transitions []Transition

	// Committed is true when the jobs database was rewritten.
	Committed bool
	// Err is the error that aborted the operation, if any.
	Err error

	// State after the operation
	Stats       map[types.Status]int
	ChainsTotal int
	ChainsBusy  int
}

func newReport(op Op, now time.Time) *Report {
	return &Report{
		ID:        uuid.NewString(),
		Op:        op,
		StartedAt: now,
	}
}

// Duration is the wall time of the operation.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Changed reports whether any job changed state.
func (r *Report) Changed() bool {
	return len(r.Transitions) > 0
}

func (r *Report) fail(f Failure) {
	r.Failures = append(r.Failures, f)
}

func (r *Report) warn(sid types.SID, c types.ChainID, err error) {
	r.Warnings = append(r.Warnings, Warning{SID: sid, Chain: c, Err: err})
}

func (r *Report) transition(sid types.SID, from, to types.Status, c types.ChainID) {
	r.Transitions = append(r.Transitions, Transition{SID: sid, From: from, To: to, Chain: c})
}

// FailuresOf returns the failures matching target.
func (r *Report) FailuresOf(target error) []Failure {
	var out []Failure
	for _, f := range r.Failures {
		if errors.Is(f.Err, target) {
			out = append(out, f)
		}
	}
	return out
}

// ErrorKind maps an error to a short label used by metrics and the audit ledger.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, jobmanager.ErrUnresolvedDependency):
		return "unresolved_dependency"
	case errors.Is(err, chain.ErrNoAvailableChain):
		return "no_available_chain"
	case errors.Is(err, flatfile.ErrMalformedEntry):
		return "malformed_schedule_entry"
	case errors.Is(err, flatfile.ErrMalformedRow):
		return "malformed_database_row"
	case errors.Is(err, jobmanager.ErrDuplicateSID):
		return "duplicate_sid"
	case errors.Is(err, jobmanager.ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, jobmanager.ErrJobNotFound):
		return "job_not_found"
	case errors.Is(err, jobmanager.ErrSIDExhausted):
		return "sid_exhausted"
	case errors.Is(err, cards.ErrUnappliedParameter):
		return "unapplied_parameter"
	case errors.Is(err, modelstore.ErrIncompleteModel):
		return "incomplete_model"
	case errors.Is(err, ErrNoHostSlot):
		return "no_host_slot"
	case errors.Is(err, ErrInconsistent):
		return "inconsistent_state"
	case errors.Is(err, flatfile.ErrIOFailure):
		return "io_failure"
	default:
		return "solver"
	}
}
