package audit

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/postbox/internal/chain"
	"github.com/ChuLiYu/postbox/internal/scheduler"
	"github.com/ChuLiYu/postbox/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport(id string) *scheduler.Report {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &scheduler.Report{
		ID:         id,
		Op:         scheduler.OpAuto,
		StartedAt:  start,
		FinishedAt: start.Add(250 * time.Millisecond),
		Admitted:   []scheduler.Admission{{Line: 3, SID: 2, DependsOn: 1, Chain: 4}},
		Transitions: []scheduler.Transition{
			{SID: 2, From: types.StatusUnscheduled, To: types.StatusScheduled, Chain: 4},
		},
		Failures:  []scheduler.Failure{{Line: 4, DependsOn: 1, Err: chain.ErrNoAvailableChain}},
		Committed: true,
	}
}

func TestFromReport(t *testing.T) {
	e := FromReport(sampleReport("p1"))

	assert.Equal(t, "p1", e.PassID)
	assert.Equal(t, "auto", e.Op)
	assert.Equal(t, int64(250), e.TookMS)
	assert.True(t, e.OK)
	assert.True(t, e.Committed)
	assert.Empty(t, e.Error)

	require.Len(t, e.Events, 3)
	assert.Equal(t, Event{Kind: KindAdmitted, SID: "000002", Chain: 4, Line: 3, Detail: "from SID 000001"}, e.Events[0])
	assert.Equal(t, Event{Kind: KindTransition, SID: "000002", Chain: 4, From: "unscheduled", To: "scheduled"}, e.Events[1])
	assert.Equal(t, KindFailure, e.Events[2].Kind)
	assert.Equal(t, "no_available_chain", e.Events[2].Reason)
	assert.Equal(t, 4, e.Events[2].Line)
	assert.Empty(t, e.Events[2].SID)
}

func TestFromReportError(t *testing.T) {
	r := &scheduler.Report{ID: "p2", Op: scheduler.OpSync, Err: errors.New("status.com: exit status 1")}
	e := FromReport(r)
	assert.False(t, e.OK)
	assert.Equal(t, "status.com: exit status 1", e.Error)
	assert.Equal(t, "solver", e.ErrorKind)
	assert.Zero(t, e.TookMS)
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " None "} {
		l, err := Open(Config{Driver: driver})
		assert.NoError(t, err)
		assert.Nil(t, l)
	}
}

func TestOpenRejects(t *testing.T) {
	_, err := Open(Config{Driver: "file"})
	assert.Error(t, err)

	_, err = Open(Config{Driver: "postgres", Path: filepath.Join(t.TempDir(), "x")})
	assert.ErrorContains(t, err, "unknown audit driver")
}

func TestFileLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "postbox.jsonl")
	l, err := Open(Config{Driver: "file", Path: path})
	require.NoError(t, err)

	rec := NewRecorder(l, zerolog.Nop())
	rec.Observe(context.Background(), sampleReport("p1"))
	rec.Observe(context.Background(), sampleReport("p2"))
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		ids = append(ids, e.PassID)
		assert.Len(t, e.Events, 3)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"p1", "p2"}, ids)

	assert.ErrorIs(t, l.Append(context.Background(), Entry{}), ErrClosed)
	assert.NoError(t, l.Close())
}

func TestSQLiteLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(Config{Driver: "sqlite", Path: path})
	require.NoError(t, err)

	require.NoError(t, l.Append(context.Background(), FromReport(sampleReport("p1"))))
	failed := &scheduler.Report{ID: "p2", Op: scheduler.OpSync, Err: errors.New("boom")}
	require.NoError(t, l.Append(context.Background(), FromReport(failed)))

	db := l.(*sqliteLedger).db

	var passes int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM passes`).Scan(&passes))
	assert.Equal(t, 2, passes)

	var kind, errKind sql.NullString
	require.NoError(t, db.QueryRow(`SELECT op, err_kind FROM passes WHERE pass_id = ?`, "p2").Scan(&kind, &errKind))
	assert.Equal(t, "sync", kind.String)
	assert.Equal(t, "solver", errKind.String)

	rows, err := db.Query(`SELECT kind, sid FROM events WHERE pass_id = ? ORDER BY id`, "p1")
	require.NoError(t, err)
	var kinds []string
	var sids []string
	for rows.Next() {
		var k string
		var sid sql.NullString
		require.NoError(t, rows.Scan(&k, &sid))
		kinds = append(kinds, k)
		sids = append(sids, sid.String)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	assert.Equal(t, []string{KindAdmitted, KindTransition, KindFailure}, kinds)
	assert.Equal(t, []string{"000002", "000002", ""}, sids)

	// Duplicate pass IDs are rejected and roll back.
	assert.Error(t, l.Append(context.Background(), FromReport(sampleReport("p1"))))
	var events int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&events))
	assert.Equal(t, 3, events)

	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Append(context.Background(), Entry{}), ErrClosed)
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(Config{Driver: "sqlite3", Path: path})
	require.NoError(t, err)
	require.NoError(t, l.Append(context.Background(), FromReport(sampleReport("p1"))))
	require.NoError(t, l.Close())

	l, err = Open(Config{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	defer l.Close()

	var passes int
	require.NoError(t, l.(*sqliteLedger).db.QueryRow(`SELECT COUNT(*) FROM passes`).Scan(&passes))
	assert.Equal(t, 1, passes)
}
