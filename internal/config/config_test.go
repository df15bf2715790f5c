package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/postbox/internal/chain"
	"github.com/ChuLiYu/postbox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `# postbox config
jobs_file        : jobs.txt
schedule_file    : schedule.txt
wrdata_path      : /scratch/powr/wrdata{}
powr_out_path    : /scratch/powr/output
powr_proc        : /opt/powr/proc.dir/
save_path        : /data/models
chain_range      : 1-20
machine_priority : 3, 4, astro1
`

func TestLoad_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config")
	require.NoError(t, os.WriteFile(configPath, []byte(validConfig), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(tmpDir, "jobs.txt"), cfg.JobsFile)
	assert.Equal(t, filepath.Join(tmpDir, "schedule.txt"), cfg.ScheduleFile)
	assert.Equal(t, "/scratch/powr/wrdata{}", cfg.WRDataPath)
	assert.Equal(t, "/opt/powr/proc.dir/", cfg.PowrProc)
	assert.Equal(t, chain.Range{First: 1, Last: 20}, cfg.ChainRange)
	assert.Equal(t, []string{"3", "4", "astro1"}, cfg.MachinePriority)
	assert.Equal(t, []types.ChainID{3, 4}, cfg.ChainPriority)

	// defaults
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultAuditDriver, cfg.AuditDriver)
	assert.Equal(t, DefaultServeCron, cfg.ServeCron)
	assert.Equal(t, DefaultServeMinInterval, cfg.ServeMinInterval)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestParse_OptionalKeys(t *testing.T) {
	text := validConfig + `chain_priority   : 7, 2
log_level        : debug
audit_driver     : SQLite
audit_path       : audit.db
serve_cron       : "*/10 * * * *"
serve_min_interval : 1m
metrics_addr     : ":9090"
grpc_addr        : ":50051"
`
	cfg, err := Parse([]byte(text), "/etc/postbox")
	require.NoError(t, err)

	assert.Equal(t, []types.ChainID{7, 2}, cfg.ChainPriority)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.AuditDriver)
	assert.Equal(t, "/etc/postbox/audit.db", cfg.AuditPath)
	assert.Equal(t, "*/10 * * * *", cfg.ServeCron)
	assert.Equal(t, time.Minute, cfg.ServeMinInterval)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, ":50051", cfg.GRPCAddr)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "Empty file", text: ""},
		{name: "Missing save_path", text: "jobs_file: a\nschedule_file: b\nwrdata_path: w{}\npowr_proc: p\nchain_range: 1-2\n"},
		{name: "No placeholder", text: "jobs_file: a\nschedule_file: b\nwrdata_path: w\npowr_proc: p\nsave_path: s\nchain_range: 1-2\n"},
		{name: "Bad range", text: "jobs_file: a\nschedule_file: b\nwrdata_path: w{}\npowr_proc: p\nsave_path: s\nchain_range: 5-1\n"},
		{name: "Unknown key", text: validConfig + "jobsfile: typo\n"},
		{name: "Bad chain priority", text: validConfig + "chain_priority: 1, x\n"},
		{name: "Bad interval", text: validConfig + "serve_min_interval: soon\n"},
		{name: "Audit without path", text: validConfig + "audit_driver: file\n"},
		{name: "Unknown audit driver", text: validConfig + "audit_driver: kafka\n"},
		{name: "Broken YAML", text: "jobs_file: [unterminated\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.text), "")
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Nil(t, cfg)
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/config")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}
