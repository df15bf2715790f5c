package dashboard

import (
	"errors"
	"testing"

	"github.com/ChuLiYu/postbox/internal/chain"
	"github.com/ChuLiYu/postbox/internal/scheduler"
	"github.com/ChuLiYu/postbox/internal/storage/flatfile"
	"github.com/ChuLiYu/postbox/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	ov := &scheduler.Overview{
		Stats: map[types.Status]int{
			types.StatusDone:    3,
			types.StatusRunning: 1,
		},
		ChainsTotal: 4,
		Bindings:    []scheduler.Binding{{Chain: 2, SID: 5, Status: types.StatusRunning}},
		Pending: []types.ScheduleEntry{
			{Line: 3, DependsOn: 4, Params: []types.Param{{Key: "TEFF", Value: "40000."}}, Comment: "hot"},
		},
		Invalid: []*flatfile.MalformedEntryError{{Line: 5, Reason: "expected 2 or 3 fields"}},
	}

	out := Render(ov)
	assert.Contains(t, out, "Jobs")
	assert.Contains(t, out, "Chains")
	assert.Contains(t, out, "SID 000005")
	assert.Contains(t, out, "from SID 000004  TEFF=40000.")
	assert.Contains(t, out, "hot")
	assert.Contains(t, out, "expected 2 or 3 fields")
	assert.Regexp(t, `idle\s+3`, out)
	assert.Regexp(t, `total\s+4`, out)
}

func TestRenderEmpty(t *testing.T) {
	out := Render(&scheduler.Overview{Stats: map[types.Status]int{}})
	assert.Contains(t, out, "No pending entries.")
}

func TestSummary(t *testing.T) {
	r := &scheduler.Report{
		Op:       scheduler.OpAuto,
		Admitted: []scheduler.Admission{{Line: 3, SID: 2, DependsOn: 1, Chain: 4}},
		Transitions: []scheduler.Transition{
			{SID: 2, From: types.StatusUnscheduled, To: types.StatusScheduled, Chain: 4},
		},
		Failures: []scheduler.Failure{{Line: 4, Err: chain.ErrNoAvailableChain}},
		Warnings: []scheduler.Warning{{SID: 2, Err: errors.New("unapplied parameter XLOG=1")}},
	}

	out := Summary(r)
	assert.Contains(t, out, "auto ok")
	assert.Contains(t, out, "admitted line 3 as SID 000002 on chain 4 (from SID 000001)")
	assert.NotContains(t, out, "unscheduled ->")
	assert.Contains(t, out, "line 4: no available chain")
	assert.Contains(t, out, "warning: unapplied parameter XLOG=1")
}

func TestSummaryNothingToDo(t *testing.T) {
	assert.Contains(t, Summary(&scheduler.Report{Op: scheduler.OpSync}), "nothing to do")
	assert.Contains(t, Summary(&scheduler.Report{Op: scheduler.OpSync, Err: errors.New("boom")}), "sync failed: boom")
}
