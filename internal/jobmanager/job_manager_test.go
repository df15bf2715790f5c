package jobmanager

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/ChuLiYu/postbox/internal/storage/flatfile"
	"github.com/ChuLiYu/postbox/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeModels is a ModelVerifier backed by saved model directories.
// true marks a complete model, false a directory with missing files.
type fakeModels map[types.SID]bool

func (f fakeModels) Exists(sid types.SID) bool {
	_, ok := f[sid]
	return ok
}

func (f fakeModels) Verify(sid types.SID) error {
	if f[sid] {
		return nil
	}
	return fmt.Errorf("model %s: missing files", sid)
}

// newTestJobManager creates a JobManager loaded from database text
func newTestJobManager(t *testing.T, models fakeModels, text string) *JobManager {
	t.Helper()
	jm := NewJobManager(models)
	if err := jm.Load([]byte(text)); err != nil {
		t.Fatalf("load: %v", err)
	}
	return jm
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertJobStatus asserts job status
func assertJobStatus(t *testing.T, jm *JobManager, sid types.SID, want types.Status) {
	t.Helper()
	job, exists := jm.Get(sid)
	if !exists {
		t.Errorf("job %s not found", sid)
		return
	}
	if job.Status != want {
		t.Errorf("job %s status: got %s, want %s", sid, job.Status, want)
	}
}

const baseDB = `SID|STATUS|CHAIN|dSID|PARAMS|COMMENT
------|------|-----|------|------|-------
000001|done|2||TEFF=40000.|seed
000003|running|1|000001|TEFF=41000.|
000004|failed|5|000001||crashed
`

// ============================================================================
// Unit Tests
// ============================================================================

func TestLoadAndSerializeRoundTrip(t *testing.T) {
	jm := newTestJobManager(t, fakeModels{1: true}, baseDB)

	if jm.Len() != 3 {
		t.Fatalf("expected 3 jobs, got %d", jm.Len())
	}
	if got := string(jm.Serialize()); got != baseDB {
		t.Errorf("round trip mismatch:\n%s", got)
	}
}

func TestLoadMalformedRow(t *testing.T) {
	jm := NewJobManager(nil)
	err := jm.Load([]byte(baseDB + "000005|done\n"))
	assertError(t, err, flatfile.ErrMalformedRow)

	var rowErr *flatfile.MalformedRowError
	if !errors.As(err, &rowErr) || rowErr.Line != 6 {
		t.Errorf("expected malformed row at line 6, got %v", err)
	}
}

func TestLoadDuplicateSID(t *testing.T) {
	jm := NewJobManager(nil)
	err := jm.Load([]byte(baseDB + "000003|done|||TEFF=1|dup\n"))
	assertError(t, err, ErrDuplicateSID)

	var dupErr *DuplicateSIDError
	if !errors.As(err, &dupErr) || dupErr.SID != 3 || dupErr.Line != 6 {
		t.Errorf("unexpected duplicate error: %v", err)
	}
}

func TestLoadReplacesPreviousState(t *testing.T) {
	jm := newTestJobManager(t, nil, baseDB)
	assertNoError(t, jm.Load(nil))
	if jm.Len() != 0 {
		t.Errorf("expected empty manager, got %d jobs", jm.Len())
	}
}

func TestCreateSmallestUnusedSID(t *testing.T) {
	jm := newTestJobManager(t, fakeModels{1: true}, baseDB)
	params := []types.Param{{Key: "Teff", Value: "40000."}}

	job, err := jm.Create(1, params, "ex")
	assertNoError(t, err)
	if job.SID != 2 {
		t.Errorf("expected SID 000002, got %s", job.SID)
	}
	if job.Status != types.StatusUnscheduled || job.Chain != types.NoChain || job.DependsOn != 1 {
		t.Errorf("unexpected new job: %+v", job)
	}

	job, err = jm.Create(1, nil, "")
	assertNoError(t, err)
	if job.SID != 5 {
		t.Errorf("expected SID 000005, got %s", job.SID)
	}

	// New rows append in insertion order
	out := string(jm.Serialize())
	if !strings.HasSuffix(out, "000002|unscheduled||000001|Teff=40000.|ex\n000005|unscheduled||000001||\n") {
		t.Errorf("unexpected serialization:\n%s", out)
	}
}

func TestCreateSkipsSavedModelSIDs(t *testing.T) {
	// 000001 is a legacy model with no database row, 000002 an incomplete directory
	jm := newTestJobManager(t, fakeModels{1: true, 2: false}, "")

	job, err := jm.Create(1, nil, "from legacy")
	assertNoError(t, err)
	if job.SID != 3 {
		t.Errorf("expected SID 000003, got %s", job.SID)
	}
	if job.DependsOn != 1 {
		t.Errorf("expected dependency 000001, got %s", job.DependsOn)
	}

	job, err = jm.Create(1, nil, "")
	assertNoError(t, err)
	if job.SID != 4 {
		t.Errorf("expected SID 000004, got %s", job.SID)
	}
}

func TestCreateDependencyGate(t *testing.T) {
	tests := []struct {
		name    string
		models  fakeModels
		dep     types.SID
		wantErr bool
	}{
		{name: "Done job with files", models: fakeModels{1: true}, dep: 1},
		{name: "Done job missing files", models: fakeModels{}, dep: 1, wantErr: true},
		{name: "Running job", models: fakeModels{3: true}, dep: 3, wantErr: true},
		{name: "Failed job", models: fakeModels{4: true}, dep: 4, wantErr: true},
		{name: "Legacy model on disk", models: fakeModels{900001: true}, dep: 900001},
		{name: "Unknown SID", models: fakeModels{}, dep: 900002, wantErr: true},
		{name: "No dependency", models: fakeModels{}, dep: types.NoSID, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := newTestJobManager(t, tt.models, baseDB)
			before := jm.Len()

			_, err := jm.Create(tt.dep, nil, "")
			if tt.wantErr {
				assertError(t, err, ErrUnresolvedDependency)
				if jm.Len() != before {
					t.Errorf("failed create must not add a job")
				}
				return
			}
			assertNoError(t, err)
		})
	}
}

func TestTransitionTable(t *testing.T) {
	all := types.Statuses
	legal := map[[2]types.Status]bool{
		{types.StatusUnscheduled, types.StatusScheduled}: true,
		{types.StatusScheduled, types.StatusRunning}:     true,
		{types.StatusRunning, types.StatusDone}:          true,
		{types.StatusRunning, types.StatusFailed}:        true,
		{types.StatusFailed, types.StatusUnscheduled}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != legal[[2]types.Status{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestTransitionLifecycle(t *testing.T) {
	jm := newTestJobManager(t, fakeModels{1: true}, baseDB)
	job, err := jm.Create(1, nil, "")
	assertNoError(t, err)

	// chain must be bound before scheduling
	assertError(t, jm.Transition(job.SID, types.StatusScheduled), ErrIllegalTransition)
	assertError(t, jm.Transition(job.SID, types.StatusDone), ErrIllegalTransition)

	assertNoError(t, jm.AssignChain(job.SID, 7))
	assertError(t, jm.AssignChain(job.SID, 8), ErrChainAssignment)
	assertNoError(t, jm.Transition(job.SID, types.StatusScheduled))
	assertNoError(t, jm.Transition(job.SID, types.StatusRunning))
	assertNoError(t, jm.Transition(job.SID, types.StatusFailed))
	assertJobStatus(t, jm, job.SID, types.StatusFailed)

	assertNoError(t, jm.Transition(job.SID, types.StatusUnscheduled))
	got, _ := jm.Get(job.SID)
	if got.Chain != types.NoChain {
		t.Errorf("retry must clear chain, got %s", got.Chain)
	}

	assertError(t, jm.Transition(1, types.StatusRunning), ErrIllegalTransition)
	assertError(t, jm.Transition(99, types.StatusRunning), ErrJobNotFound)
}

func TestDiscard(t *testing.T) {
	jm := newTestJobManager(t, fakeModels{1: true}, baseDB)
	job, err := jm.Create(1, nil, "")
	assertNoError(t, err)

	assertNoError(t, jm.Discard(job.SID))
	if _, ok := jm.Get(job.SID); ok {
		t.Errorf("discarded job still present")
	}
	if string(jm.Serialize()) != baseDB {
		t.Errorf("discard must restore the previous database")
	}

	assertError(t, jm.Discard(3), ErrIllegalTransition)
	assertError(t, jm.Discard(42), ErrJobNotFound)
}

func TestBoundChainsAndStats(t *testing.T) {
	jm := newTestJobManager(t, fakeModels{1: true}, baseDB)

	bound := jm.BoundChains()
	if len(bound) != 1 || bound[1] != 3 {
		t.Errorf("expected only chain 1 bound to 000003, got %v", bound)
	}

	stats := jm.Stats()
	if stats[types.StatusDone] != 1 || stats[types.StatusRunning] != 1 || stats[types.StatusFailed] != 1 || stats[types.StatusScheduled] != 0 {
		t.Errorf("unexpected stats: %v", stats)
	}

	failed := jm.FilterByStatus(types.StatusFailed)
	if len(failed) != 1 || failed[0].SID != 4 {
		t.Errorf("unexpected failed jobs: %v", failed)
	}
}

// TestDependencyGateProperty checks that no generated job set lets a job be
// scheduled on top of a dependency that is not done.
func TestDependencyGateProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 200; round++ {
		models := fakeModels{}
		jm := NewJobManager(models)

		var b strings.Builder
		for sid := 1; sid <= 20; sid++ {
			status := types.Statuses[rng.Intn(len(types.Statuses))]
			if rng.Intn(2) == 0 {
				models[types.SID(sid)] = true
			}
			fmt.Fprintf(&b, "%06d|%s|||TEFF=1|\n", sid, status)
		}
		assertNoError(t, jm.Load([]byte(b.String())))

		dep := types.SID(rng.Intn(25) + 1)
		job, err := jm.Create(dep, nil, "")
		if err != nil {
			continue
		}
		depJob, known := jm.Get(dep)
		if known && depJob.Status != types.StatusDone {
			t.Fatalf("round %d: created %s on %s dependency %s", round, job.SID, depJob.Status, dep)
		}
		if !models[dep] {
			t.Fatalf("round %d: created %s on incomplete model %s", round, job.SID, dep)
		}
	}
}
