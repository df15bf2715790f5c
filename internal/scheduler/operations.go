package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/postbox/internal/chain"
	"github.com/ChuLiYu/postbox/internal/logging"
	"github.com/ChuLiYu/postbox/internal/modelstore"
	"github.com/ChuLiYu/postbox/internal/solver"
	"github.com/ChuLiYu/postbox/internal/storage/flatfile"
	"github.com/ChuLiYu/postbox/pkg/types"
)

// ============================================================================
// Stage: bind existing unscheduled jobs (e.g. retried ones)
// ============================================================================

// Stage binds unscheduled jobs to idle chains in SID order.
// Jobs whose dependency does not resolve, that find no idle chain, or whose
// row already names a chain (hand edit) are reported and stay unscheduled.
func (s *Scheduler) Stage(ctx context.Context) (*Report, error) {
	r := s.begin(OpStage)

	st, err := s.load(r)
	if err != nil {
		return s.end(ctx, r, nil, err)
	}

	for _, job := range st.jm.FilterByStatus(types.StatusUnscheduled) {
		if job.Chain != types.NoChain {
			r.fail(Failure{SID: job.SID, DependsOn: job.DependsOn,
				Err: inconsistent("SID %s is unscheduled but names chain %s", job.SID, job.Chain)})
			continue
		}
		if err := st.jm.Resolve(job.DependsOn); err != nil {
			r.fail(Failure{SID: job.SID, DependsOn: job.DependsOn, Err: err})
			continue
		}
		if _, err := s.bind(ctx, r, st, job); err != nil {
			if !errors.Is(err, chain.ErrNoAvailableChain) {
				return s.end(ctx, r, st, err)
			}
			r.fail(Failure{SID: job.SID, DependsOn: job.DependsOn, Err: err})
		}
	}

	if r.Changed() {
		if err := s.commitJobs(r, st); err != nil {
			return s.end(ctx, r, st, err)
		}
	}
	return s.end(ctx, r, st, nil)
}

// ============================================================================
// Submit: dispatch scheduled jobs to hosts
// ============================================================================

// Submit starts every scheduled job on a host slot from the occupancy query.
// Jobs beyond the available slots stay scheduled.
func (s *Scheduler) Submit(ctx context.Context) (*Report, error) {
	r := s.begin(OpSubmit)

	st, err := s.load(r)
	if err != nil {
		return s.end(ctx, r, nil, err)
	}

	ready := st.jm.FilterByStatus(types.StatusScheduled)
	if len(ready) == 0 {
		return s.end(ctx, r, st, nil)
	}

	hosts, err := s.solver.Occupancy(ctx)
	if err != nil {
		return s.end(ctx, r, st, err)
	}
	slots := solver.MachineOrder(hosts, s.machinePriority)

	next := 0
	for _, job := range ready {
		if job.Chain == types.NoChain {
			r.fail(Failure{SID: job.SID, Err: inconsistent("SID %s is scheduled without a chain", job.SID)})
			continue
		}
		if next >= len(slots) {
			r.fail(Failure{SID: job.SID, Err: fmt.Errorf("%w for SID %s", ErrNoHostSlot, job.SID)})
			continue
		}
		host := slots[next]
		next++

		if err := s.solver.Submit(ctx, job.Chain, host); err != nil {
			s.log.Warn().Err(err).Str(logging.FieldSID, job.SID.String()).Msg("submit failed")
			r.fail(Failure{SID: job.SID, Err: err})
			continue
		}
		if err := st.jm.Transition(job.SID, types.StatusRunning); err != nil {
			return s.end(ctx, r, st, err)
		}
		r.transition(job.SID, types.StatusScheduled, types.StatusRunning, job.Chain)
		s.log.Info().Str(logging.FieldSID, job.SID.String()).Int(logging.FieldChain, int(job.Chain)).
			Str("host", host).Msg("job submitted")
	}

	if r.Changed() {
		if err := s.commitJobs(r, st); err != nil {
			return s.end(ctx, r, st, err)
		}
	}
	return s.end(ctx, r, st, nil)
}

// ============================================================================
// Sync: fold solver status back into the jobs database
// ============================================================================

// Sync polls the solver once.
//
//	running   + converged -> retrieve model, done, release chain
//	running   + crashed   -> failed, release chain
//	scheduled + active    -> running (launched by hand)
//
// A chain labeled with another job's SID is reported and left alone.
func (s *Scheduler) Sync(ctx context.Context) (*Report, error) {
	r := s.begin(OpSync)

	st, err := s.load(r)
	if err != nil {
		return s.end(ctx, r, nil, err)
	}

	rows, err := s.solver.Status(ctx)
	if err != nil {
		return s.end(ctx, r, st, err)
	}
	byChain := make(map[types.ChainID]solver.ChainStatus, len(rows))
	for _, row := range rows {
		byChain[row.Chain] = row
	}

	for _, c := range st.cm.Busy() {
		sid, _ := st.cm.BoundTo(c)
		job, _ := st.jm.Get(sid)

		row, ok := byChain[c]
		if !ok {
			r.warn(sid, c, inconsistent("chain %s not reported by the solver", c))
			continue
		}
		if row.SID != types.NoSID && row.SID != sid {
			r.warn(sid, c, inconsistent("chain %s labeled SID %s, database binds SID %s", c, row.SID, sid))
			continue
		}

		switch {
		case job.Status == types.StatusRunning && row.Converged():
			if err := s.retrieve(c, sid); err != nil {
				if errors.Is(err, modelstore.ErrIncompleteModel) || errors.Is(err, modelstore.ErrModelExists) {
					r.fail(Failure{SID: sid, Err: err})
					continue
				}
				return s.end(ctx, r, st, &flatfile.IOError{Op: "retrieve", Path: s.models.ModelDir(sid), Err: err})
			}
			if err := s.finish(ctx, r, st, job, types.StatusDone); err != nil {
				return s.end(ctx, r, st, err)
			}

		case job.Status == types.StatusRunning && row.Crashed():
			if err := s.finish(ctx, r, st, job, types.StatusFailed); err != nil {
				return s.end(ctx, r, st, err)
			}

		case job.Status == types.StatusScheduled && row.Active():
			if err := st.jm.Transition(sid, types.StatusRunning); err != nil {
				return s.end(ctx, r, st, err)
			}
			r.transition(sid, types.StatusScheduled, types.StatusRunning, c)
			s.log.Info().Str(logging.FieldSID, sid.String()).Int(logging.FieldChain, int(c)).Msg("manual launch detected")
		}
	}

	if r.Changed() {
		if err := s.commitJobs(r, st); err != nil {
			return s.end(ctx, r, st, err)
		}
	}
	return s.end(ctx, r, st, nil)
}

// retrieve saves the converged model. A complete model already saved under
// the SID counts as retrieved: an earlier sync copied it but lost its commit.
func (s *Scheduler) retrieve(c types.ChainID, sid types.SID) error {
	err := s.models.Retrieve(c, sid)
	if errors.Is(err, modelstore.ErrModelExists) && s.models.Verify(sid) == nil {
		return nil
	}
	return err
}

// finish moves a running job to done or failed and frees its chain.
func (s *Scheduler) finish(ctx context.Context, r *Report, st *state, job types.Job, to types.Status) error {
	if err := st.jm.Transition(job.SID, to); err != nil {
		return err
	}
	if err := st.cm.Release(job.Chain); err != nil {
		return err
	}
	r.transition(job.SID, types.StatusRunning, to, job.Chain)

	if err := s.solver.Label(ctx, job.Chain, types.NoSID); err != nil {
		r.warn(job.SID, job.Chain, err)
	}
	s.log.Info().Str(logging.FieldSID, job.SID.String()).Int(logging.FieldChain, int(job.Chain)).
		Str("status", string(to)).Msg("job finished")
	return nil
}

// ============================================================================
// Retry / Clean: operator actions on a single job
// ============================================================================

// Retry moves a failed job back to unscheduled; its chain binding is cleared.
func (s *Scheduler) Retry(ctx context.Context, sid types.SID) (*Report, error) {
	r := s.begin(OpRetry)

	st, err := s.load(r)
	if err != nil {
		return s.end(ctx, r, nil, err)
	}
	job, ok := st.jm.Get(sid)
	if !ok {
		return s.end(ctx, r, st, fmt.Errorf("retry: %w", errNotFound(sid)))
	}
	if err := st.jm.Transition(sid, types.StatusUnscheduled); err != nil {
		return s.end(ctx, r, st, err)
	}
	r.transition(sid, job.Status, types.StatusUnscheduled, types.NoChain)

	if err := s.commitJobs(r, st); err != nil {
		return s.end(ctx, r, st, err)
	}
	return s.end(ctx, r, st, nil)
}

// Clean aborts a running job: it is marked failed and its chain released.
func (s *Scheduler) Clean(ctx context.Context, sid types.SID) (*Report, error) {
	r := s.begin(OpClean)

	st, err := s.load(r)
	if err != nil {
		return s.end(ctx, r, nil, err)
	}
	job, ok := st.jm.Get(sid)
	if !ok {
		return s.end(ctx, r, st, fmt.Errorf("clean: %w", errNotFound(sid)))
	}
	if job.Chain == types.NoChain {
		return s.end(ctx, r, st, inconsistent("SID %s has no chain to clean", sid))
	}
	if err := s.finish(ctx, r, st, job, types.StatusFailed); err != nil {
		return s.end(ctx, r, st, err)
	}

	if err := s.commitJobs(r, st); err != nil {
		return s.end(ctx, r, st, err)
	}
	return s.end(ctx, r, st, nil)
}

// ============================================================================
// Check: read-only consistency report
// ============================================================================

// Check cross-matches database bindings with solver labels. Nothing is written.
// Bindings that load could not honor are already in the report's warnings.
func (s *Scheduler) Check(ctx context.Context) (*Report, error) {
	r := s.begin(OpCheck)

	st, err := s.load(r)
	if err != nil {
		return s.end(ctx, r, nil, err)
	}

	rows, err := s.solver.Status(ctx)
	if err != nil {
		r.warn(types.NoSID, types.NoChain, fmt.Errorf("solver status unavailable: %w", err))
		return s.end(ctx, r, st, nil)
	}

	labels := make(map[types.ChainID]types.SID)
	for _, row := range rows {
		if !s.chainRange.Contains(row.Chain) {
			continue
		}
		labels[row.Chain] = row.SID
		if row.SID == types.NoSID {
			continue
		}
		if owner, ok := st.cm.BoundTo(row.Chain); !ok || owner != row.SID {
			r.warn(row.SID, row.Chain, inconsistent("chain %s blocked by label SID %s", row.Chain, row.SID))
		}
	}
	for _, c := range st.cm.Busy() {
		sid, _ := st.cm.BoundTo(c)
		if labels[c] != sid {
			r.warn(sid, c, inconsistent("SID %s assigned to chain %s, which is not labeled with it", sid, c))
		}
	}
	return s.end(ctx, r, st, nil)
}

// ============================================================================
// Overview: read-only snapshot for the dashboard
// ============================================================================

// Binding is one busy chain.
type Binding struct {
	Chain  types.ChainID
	SID    types.SID
	Status types.Status
}

// Overview summarizes the persisted state.
type Overview struct {
	Stats       map[types.Status]int
	ChainsTotal int
	Bindings    []Binding
	Pending     []types.ScheduleEntry
	Invalid     []*flatfile.MalformedEntryError
	Warnings    []Warning
}

// Overview reads both files without taking any action.
func (s *Scheduler) Overview() (*Overview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := newReport(OpCheck, s.now())
	st, err := s.load(r)
	if err != nil {
		return nil, err
	}
	sched, err := s.store.ReadSchedule()
	if err != nil {
		return nil, err
	}

	ov := &Overview{
		Stats:       st.jm.Stats(),
		ChainsTotal: s.chainRange.Len(),
		Pending:     sched.Entries,
		Invalid:     sched.Invalid,
		Warnings:    r.Warnings,
	}
	for _, c := range st.cm.Busy() {
		sid, _ := st.cm.BoundTo(c)
		job, _ := st.jm.Get(sid)
		ov.Bindings = append(ov.Bindings, Binding{Chain: c, SID: sid, Status: job.Status})
	}
	return ov, nil
}
