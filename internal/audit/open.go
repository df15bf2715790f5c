package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChuLiYu/postbox/internal/scheduler"
	"github.com/rs/zerolog"
)

// Config selects the ledger backend.
//
// Driver values:
//   - "file": JSON Lines, one entry per line
//   - "sqlite": SQLite database with passes and events tables
//
// If Driver is empty or "none", auditing is disabled.
type Config struct {
	Driver string
	Path   string
}

// Open initializes the configured ledger.
// It returns (nil, nil) if auditing is disabled.
func Open(cfg Config) (Ledger, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("audit path is required for driver %q", driver)
	}

	switch driver {
	case "file":
		return openFile(cfg.Path)
	case "sqlite", "sqlite3":
		return openSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown audit driver: %s", driver)
	}
}

// Recorder appends every scheduler report to a ledger.
// Append failures are logged; they never fail the operation.
type Recorder struct {
	ledger Ledger
	log    zerolog.Logger
}

// NewRecorder wraps ledger as a scheduler.Observer.
func NewRecorder(ledger Ledger, log zerolog.Logger) *Recorder {
	return &Recorder{ledger: ledger, log: log}
}

func (r *Recorder) Observe(ctx context.Context, rep *scheduler.Report) {
	if err := r.ledger.Append(ctx, FromReport(rep)); err != nil {
		r.log.Warn().Err(err).Str("pass", rep.ID).Msg("audit append failed")
	}
}
