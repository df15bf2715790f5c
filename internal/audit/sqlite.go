package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

type sqliteLedger struct {
	db *sql.DB
}

func openSQLite(path string) (Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &sqliteLedger{db: db}, nil
}

func (l *sqliteLedger) Append(ctx context.Context, e Entry) error {
	if l.db == nil {
		return ErrClosed
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO passes(pass_id, op, at, took_ms, ok, committed, err, err_kind)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.PassID, e.Op, e.At.Format(time.RFC3339Nano), e.TookMS, e.OK, e.Committed,
		nullStr(e.Error), nullStr(e.ErrorKind),
	)
	if err != nil {
		return err
	}

	for _, ev := range e.Events {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events(pass_id, kind, sid, chain, line, from_st, to_st, reason, detail)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			e.PassID, ev.Kind, nullStr(ev.SID), nullInt(ev.Chain), nullInt(ev.Line),
			nullStr(ev.From), nullStr(ev.To), nullStr(ev.Reason), nullStr(ev.Detail),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (l *sqliteLedger) Close() error {
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
