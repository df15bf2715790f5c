package scheduler

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/postbox/internal/jobmanager"
	"github.com/ChuLiYu/postbox/internal/storage/flatfile"
	"github.com/ChuLiYu/postbox/pkg/types"
)

var (
	// ErrIOFailure is the storage failure sentinel; an operation hitting it commits nothing.
	ErrIOFailure = flatfile.ErrIOFailure

	// ErrNoHostSlot means every host slot from the occupancy query is taken
	ErrNoHostSlot = errors.New("no free host slot")

	// ErrInconsistent marks jobs database and solver state that disagree
	ErrInconsistent = errors.New("inconsistent state")
)

// StageError reports a failure while loading a model into a chain directory.
// It aborts the operation like any other storage failure.
type StageError struct {
	SID   types.SID
	Chain types.ChainID
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage SID %s into chain %s: %v", e.SID, e.Chain, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{ErrIOFailure, e.Err}
}

func inconsistent(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInconsistent}, args...)...)
}

func errNotFound(sid types.SID) error {
	return fmt.Errorf("%w: %s", jobmanager.ErrJobNotFound, sid)
}
