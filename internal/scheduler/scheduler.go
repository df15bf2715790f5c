// ============================================================================
// postbox scheduler
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: one admission pass plus the supplementary operations
//
// Admission pass (RunAuto):
//   1. fresh read of the jobs database and the schedule file
//   2. per entry, in file order:
//        JobManager.Create -> ChainManager.Allocate -> AssignChain
//        -> Transition(scheduled) -> rewrite CARDS and stage the model
//   3. per-entry failures (unresolved dependency, no chain, malformed line)
//      are reported and the entry stays in the file
//   4. commit: jobs database and schedule file together (both temp files
//      written and fsynced before either rename)
//
// Error policy:
//   - structural errors (malformed rows, duplicate SIDs, storage failures)
//     abort the operation before anything is committed
//   - per-entry / per-job errors land in Report.Failures
//   - warnings (unapplied parameters, label updates) land in Report.Warnings
//
// Single writer: one operation at a time per Scheduler, guarded by mu.
// Nothing is cached between operations.
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/postbox/internal/cards"
	"github.com/ChuLiYu/postbox/internal/chain"
	"github.com/ChuLiYu/postbox/internal/jobmanager"
	"github.com/ChuLiYu/postbox/internal/logging"
	"github.com/ChuLiYu/postbox/internal/modelstore"
	"github.com/ChuLiYu/postbox/internal/solver"
	"github.com/ChuLiYu/postbox/internal/storage/flatfile"
	"github.com/ChuLiYu/postbox/pkg/types"
	"github.com/rs/zerolog"
)

// Observer receives every finished report (metrics, audit ledger).
type Observer interface {
	Observe(ctx context.Context, r *Report)
}

// Options wires the scheduler's collaborators.
type Options struct {
	Store           *flatfile.Store
	Models          *modelstore.Store
	Solver          solver.Client
	ChainRange      chain.Range
	ChainPriority   []types.ChainID
	MachinePriority []string
	Logger          zerolog.Logger
	Observers       []Observer
}

// Scheduler runs operations against the flat-file database.
type Scheduler struct {
	mu sync.Mutex

	store           *flatfile.Store
	models          *modelstore.Store
	solver          solver.Client
	chainRange      chain.Range
	chainPriority   []types.ChainID
	machinePriority []string
	log             zerolog.Logger
	observers       []Observer

	now func() time.Time
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	return &Scheduler{
		store:           opts.Store,
		models:          opts.Models,
		solver:          opts.Solver,
		chainRange:      opts.ChainRange,
		chainPriority:   append([]types.ChainID(nil), opts.ChainPriority...),
		machinePriority: append([]string(nil), opts.MachinePriority...),
		log:             opts.Logger,
		observers:       append([]Observer(nil), opts.Observers...),
		now:             time.Now,
	}
}

// AddObserver registers another report consumer.
func (s *Scheduler) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// ============================================================================
// Pass plumbing
// ============================================================================

// state is the in-memory view built fresh for each operation.
type state struct {
	jm *jobmanager.JobManager
	cm *chain.Manager
}

// begin takes the operation lock and opens a report.
func (s *Scheduler) begin(op Op) *Report {
	s.mu.Lock()
	r := newReport(op, s.now())
	s.log.Debug().Str(logging.FieldPass, r.ID).Str(logging.FieldOp, string(op)).Msg("operation started")
	return r
}

// end closes the report, notifies observers and releases the lock.
func (s *Scheduler) end(ctx context.Context, r *Report, st *state, err error) (*Report, error) {
	defer s.mu.Unlock()

	r.Err = err
	r.FinishedAt = s.now()
	if st != nil {
		r.Stats = st.jm.Stats()
		r.ChainsTotal = s.chainRange.Len()
		r.ChainsBusy = len(st.cm.Busy())
	}

	level := zerolog.InfoLevel
	if err != nil {
		level = zerolog.ErrorLevel
	}
	s.log.WithLevel(level).Err(err).
		Str(logging.FieldPass, r.ID).
		Str(logging.FieldOp, string(r.Op)).
		Int("admitted", len(r.Admitted)).
		Int("transitions", len(r.Transitions)).
		Int("failures", len(r.Failures)).
		Int("warnings", len(r.Warnings)).
		Bool("committed", r.Committed).
		Dur("took", r.Duration()).
		Msg("operation finished")

	for _, o := range s.observers {
		o.Observe(ctx, r)
	}
	return r, err
}

// load reads the jobs database and rebuilds chain bindings from it.
// Bindings that cannot be honored become warnings; Check lists them too.
func (s *Scheduler) load(r *Report) (*state, error) {
	db, err := s.store.ReadDatabase()
	if err != nil {
		return nil, err
	}
	jm := jobmanager.NewJobManager(s.models)
	if err := jm.LoadDatabase(db); err != nil {
		return nil, err
	}

	cm := chain.NewManager(s.chainRange, s.chainPriority)
	for _, job := range jm.Jobs() {
		if job.Status != types.StatusScheduled && job.Status != types.StatusRunning {
			continue
		}
		if job.Chain == types.NoChain {
			r.warn(job.SID, types.NoChain, inconsistent("SID %s is %s without a chain", job.SID, job.Status))
			continue
		}
		if err := cm.Bind(job.Chain, job.SID); err != nil {
			r.warn(job.SID, job.Chain, inconsistent("SID %s: %v", job.SID, err))
		}
	}
	return &state{jm: jm, cm: cm}, nil
}

// ============================================================================
// Staging
// ============================================================================
//
// Chain directories are staged before the jobs database commit. A chain is
// only idle in the database when no job is bound to it, so whatever an
// aborted pass leaves in such a directory is wiped by the next staging of
// that chain. Staging therefore needs no undo.

// bind allocates a chain for an unscheduled job and stages its model.
// Allocation failures are returned as-is; staging failures as *StageError.
func (s *Scheduler) bind(ctx context.Context, r *Report, st *state, job types.Job) (types.ChainID, error) {
	c, err := st.cm.Allocate(job.SID)
	if err != nil {
		return types.NoChain, err
	}
	if err := st.jm.AssignChain(job.SID, c); err != nil {
		_ = st.cm.Release(c)
		return types.NoChain, err
	}
	if err := st.jm.Transition(job.SID, types.StatusScheduled); err != nil {
		_ = st.cm.Release(c)
		return types.NoChain, err
	}

	if err := s.stage(ctx, r, job, c); err != nil {
		return types.NoChain, err
	}
	r.transition(job.SID, types.StatusUnscheduled, types.StatusScheduled, c)
	return c, nil
}

// stage rewrites the dependency's CARDS and loads the model into the chain.
func (s *Scheduler) stage(ctx context.Context, r *Report, job types.Job, c types.ChainID) error {
	data, err := s.models.ReadCards(job.DependsOn)
	if err != nil {
		return &StageError{SID: job.SID, Chain: c, Err: err}
	}

	out, unapplied := cards.Parse(data).Apply(job.Params, job.SID)
	for _, w := range unapplied {
		s.log.Warn().Err(w).Str(logging.FieldSID, job.SID.String()).Int(logging.FieldChain, int(c)).Msg("parameter not applied")
		r.warn(job.SID, c, w)
	}

	if err := s.models.Stage(job.DependsOn, c, out); err != nil {
		return &StageError{SID: job.SID, Chain: c, Err: err}
	}

	if err := s.solver.Label(ctx, c, job.SID); err != nil {
		s.log.Warn().Err(err).Int(logging.FieldChain, int(c)).Msg("chain label not updated")
		r.warn(job.SID, c, err)
	}
	s.log.Info().Str(logging.FieldSID, job.SID.String()).Int(logging.FieldChain, int(c)).
		Str("dsid", job.DependsOn.String()).Msg("job staged")
	return nil
}

// commitJobs rewrites the jobs database.
func (s *Scheduler) commitJobs(r *Report, st *state) error {
	if err := s.store.WriteDatabase(st.jm.Database()); err != nil {
		return err
	}
	r.Committed = true
	return nil
}

// ============================================================================
// Admission pass
// ============================================================================

// RunAuto performs one admission pass over the schedule file.
//
// The jobs database and the pruned schedule file are committed together by
// flatfile.Store.Commit. A failed commit leaves both files as they were, so
// every entry is admitted exactly once.
func (s *Scheduler) RunAuto(ctx context.Context) (*Report, error) {
	r := s.begin(OpAuto)

	st, err := s.load(r)
	if err != nil {
		return s.end(ctx, r, nil, err)
	}
	sched, err := s.store.ReadSchedule()
	if err != nil {
		return s.end(ctx, r, st, err)
	}

	items := scheduleItems(sched)
	consumed := make(map[int]bool)
	for _, it := range items {
		if it.invalid != nil {
			s.log.Warn().Err(it.invalid).Int(logging.FieldLine, it.invalid.Line).Msg("schedule entry skipped")
			r.fail(Failure{Line: it.invalid.Line, Err: it.invalid})
			continue
		}

		e := it.entry
		job, err := st.jm.Create(e.DependsOn, e.Params, e.Comment)
		if err != nil {
			if !errors.Is(err, jobmanager.ErrUnresolvedDependency) && !errors.Is(err, jobmanager.ErrSIDExhausted) {
				return s.end(ctx, r, st, err)
			}
			s.log.Warn().Err(err).Int(logging.FieldLine, e.Line).Msg("schedule entry not admitted")
			r.fail(Failure{Line: e.Line, DependsOn: e.DependsOn, Err: err})
			continue
		}

		c, err := s.bind(ctx, r, st, job)
		if err != nil {
			if !errors.Is(err, chain.ErrNoAvailableChain) {
				return s.end(ctx, r, st, err)
			}
			if derr := st.jm.Discard(job.SID); derr != nil {
				return s.end(ctx, r, st, derr)
			}
			s.log.Warn().Err(err).Int(logging.FieldLine, e.Line).Msg("schedule entry not admitted")
			r.fail(Failure{Line: e.Line, DependsOn: e.DependsOn, Err: err})
			continue
		}

		r.Admitted = append(r.Admitted, Admission{Line: e.Line, SID: job.SID, DependsOn: e.DependsOn, Chain: c})
		consumed[e.Line] = true
	}

	if len(consumed) == 0 {
		return s.end(ctx, r, st, nil)
	}
	if err := s.store.Commit(st.jm.Database(), sched, consumed); err != nil {
		return s.end(ctx, r, st, err)
	}
	r.Committed = true
	return s.end(ctx, r, st, nil)
}

type scheduleItem struct {
	entry   types.ScheduleEntry
	invalid *flatfile.MalformedEntryError
	line    int
}

// scheduleItems merges valid and malformed entries back into file order.
func scheduleItems(sched *flatfile.Schedule) []scheduleItem {
	items := make([]scheduleItem, 0, sched.Pending())
	for _, e := range sched.Entries {
		items = append(items, scheduleItem{entry: e, line: e.Line})
	}
	for _, bad := range sched.Invalid {
		items = append(items, scheduleItem{invalid: bad, line: bad.Line})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].line < items[j].line })
	return items
}
