package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/postbox/internal/chain"
	"github.com/ChuLiYu/postbox/internal/jobmanager"
	"github.com/ChuLiYu/postbox/internal/scheduler"
	"github.com/ChuLiYu/postbox/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func autoReport() *scheduler.Report {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &scheduler.Report{
		ID:         "pass-1",
		Op:         scheduler.OpAuto,
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Admitted: []scheduler.Admission{
			{Line: 3, SID: 2, DependsOn: 1, Chain: 1},
		},
		Transitions: []scheduler.Transition{
			{SID: 2, From: types.StatusUnscheduled, To: types.StatusScheduled, Chain: 1},
		},
		Failures: []scheduler.Failure{
			{Line: 4, Err: chain.ErrNoAvailableChain},
			{Line: 5, Err: chain.ErrNoAvailableChain},
			{Line: 6, Err: &jobmanager.DependencyError{DependsOn: 9, Reason: "job is running, not done"}},
		},
		Committed: true,
		Stats: map[types.Status]int{
			types.StatusDone:      1,
			types.StatusScheduled: 1,
		},
		ChainsTotal: 4,
		ChainsBusy:  1,
	}
}

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg)
	require.NotNil(t, collector)

	// Registering twice on the same registry must panic.
	assert.Panics(t, func() { NewCollector(reg) })

	// A fresh registry accepts a second collector.
	assert.NotPanics(t, func() { NewCollector(prometheus.NewRegistry()) })
}

func TestObserveCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.Observe(context.Background(), autoReport())

	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("auto", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.admitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("scheduled")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.failures.WithLabelValues("auto", "no_available_chain")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("auto", "unresolved_dependency")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
}

func TestObserveGauges(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	r := autoReport()

	c.Observe(context.Background(), r)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobs.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobs.WithLabelValues("scheduled")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobs.WithLabelValues("failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.chainsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chainsBusy))
	assert.Equal(t, float64(r.FinishedAt.Unix()), testutil.ToFloat64(c.lastSuccess.WithLabelValues("auto")))
}

func TestObserveErrorKeepsSnapshot(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	c.Observe(context.Background(), autoReport())

	// 載入失敗的操作沒有 Stats，狀態指標保持不變
	failed := &scheduler.Report{Op: scheduler.OpSync, Err: errors.New("status.com: exit status 1")}
	c.Observe(context.Background(), failed)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("sync", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chainsBusy))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.lastSuccess.WithLabelValues("sync")))
}

func TestObserveWarnings(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	r := &scheduler.Report{
		Op: scheduler.OpCheck,
		Warnings: []scheduler.Warning{
			{SID: 4, Err: errors.New("something odd")},
		},
	}
	c.Observe(context.Background(), r)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.warnings.WithLabelValues("check", "solver")))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.Observe(context.Background(), autoReport())

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	expected := `
# HELP postbox_chains_busy Chains bound to a scheduled or running job
# TYPE postbox_chains_busy gauge
postbox_chains_busy 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "postbox_chains_busy"))
}
