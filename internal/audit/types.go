package audit

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/postbox/internal/scheduler"
	"github.com/ChuLiYu/postbox/pkg/types"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("audit ledger closed")

// Ledger is an append-only record of scheduler operations.
type Ledger interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}

// Entry is one finished operation. Keep it compact and schema-stable.
type Entry struct {
	PassID    string    `json:"pass_id"`
	Op        string    `json:"op"`
	At        time.Time `json:"at"`
	TookMS    int64     `json:"took_ms"`
	OK        bool      `json:"ok"`
	Committed bool      `json:"committed"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Events    []Event   `json:"events,omitempty"`
}

// Event kinds.
const (
	KindAdmitted   = "admitted"
	KindTransition = "transition"
	KindFailure    = "failure"
	KindWarning    = "warning"
)

// Event is one admission, transition, failure or warning inside an operation.
type Event struct {
	Kind   string `json:"kind"`
	SID    string `json:"sid,omitempty"`
	Chain  int    `json:"chain,omitempty"`
	Line   int    `json:"line,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func sidString(sid types.SID) string {
	if sid == types.NoSID {
		return ""
	}
	return sid.String()
}

// FromReport flattens a report into a ledger entry.
func FromReport(r *scheduler.Report) Entry {
	e := Entry{
		PassID:    r.ID,
		Op:        string(r.Op),
		At:        r.StartedAt,
		TookMS:    r.Duration().Milliseconds(),
		OK:        r.Err == nil,
		Committed: r.Committed,
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
		e.ErrorKind = scheduler.ErrorKind(r.Err)
	}

	for _, a := range r.Admitted {
		e.Events = append(e.Events, Event{
			Kind:   KindAdmitted,
			SID:    sidString(a.SID),
			Chain:  int(a.Chain),
			Line:   a.Line,
			Detail: "from SID " + sidString(a.DependsOn),
		})
	}
	for _, t := range r.Transitions {
		e.Events = append(e.Events, Event{
			Kind:  KindTransition,
			SID:   sidString(t.SID),
			Chain: int(t.Chain),
			From:  string(t.From),
			To:    string(t.To),
		})
	}
	for _, f := range r.Failures {
		e.Events = append(e.Events, Event{
			Kind:   KindFailure,
			SID:    sidString(f.SID),
			Line:   f.Line,
			Reason: scheduler.ErrorKind(f.Err),
			Detail: f.Err.Error(),
		})
	}
	for _, w := range r.Warnings {
		e.Events = append(e.Events, Event{
			Kind:   KindWarning,
			SID:    sidString(w.SID),
			Chain:  int(w.Chain),
			Reason: scheduler.ErrorKind(w.Err),
			Detail: w.Err.Error(),
		})
	}
	return e
}
