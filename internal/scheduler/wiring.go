package scheduler

import (
	"github.com/ChuLiYu/postbox/internal/config"
	"github.com/ChuLiYu/postbox/internal/modelstore"
	"github.com/ChuLiYu/postbox/internal/solver"
	"github.com/ChuLiYu/postbox/internal/storage/flatfile"
	"github.com/rs/zerolog"
)

// FromConfig builds a scheduler from a loaded config.
func FromConfig(cfg *config.Config, client solver.Client, log zerolog.Logger, observers ...Observer) *Scheduler {
	return New(Options{
		Store:           flatfile.NewStore(cfg.JobsFile, cfg.ScheduleFile),
		Models:          modelstore.New(cfg.SavePath, cfg.WRDataPath),
		Solver:          client,
		ChainRange:      cfg.ChainRange,
		ChainPriority:   cfg.ChainPriority,
		MachinePriority: cfg.MachinePriority,
		Logger:          log,
		Observers:       observers,
	})
}
