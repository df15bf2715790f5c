// ============================================================================
// postbox configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: load and validate the "key : value" config file
//
// Example:
//
//   jobs_file        : jobs.txt
//   schedule_file    : schedule.txt
//   wrdata_path      : /scratch/powr/wrdata{}
//   powr_out_path    : /scratch/powr/output
//   powr_proc        : /opt/powr/proc.dir
//   save_path        : /data/models
//   chain_range      : 1-20
//   machine_priority : 3, 4, astro1
//
// Every line is a YAML mapping entry, so the file is decoded with yaml.v3.
// Relative paths are resolved against the config file's directory.
//
// ============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/postbox/internal/chain"
	"github.com/ChuLiYu/postbox/pkg/types"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig indicates a missing or malformed config key
var ErrInvalidConfig = errors.New("invalid config")

const (
	DefaultLogLevel         = "info"
	DefaultAuditDriver      = "none"
	DefaultServeCron        = "@every 5m"
	DefaultServeMinInterval = 30 * time.Second
)

// file mirrors the on-disk keys.
type file struct {
	JobsFile         string `yaml:"jobs_file"`
	ScheduleFile     string `yaml:"schedule_file"`
	WRDataPath       string `yaml:"wrdata_path"`
	PowrOutPath      string `yaml:"powr_out_path"`
	PowrProc         string `yaml:"powr_proc"`
	SavePath         string `yaml:"save_path"`
	ChainRange       string `yaml:"chain_range"`
	MachinePriority  string `yaml:"machine_priority"`
	ChainPriority    string `yaml:"chain_priority"`
	LogLevel         string `yaml:"log_level"`
	LogFile          string `yaml:"log_file"`
	AuditDriver      string `yaml:"audit_driver"`
	AuditPath        string `yaml:"audit_path"`
	ServeCron        string `yaml:"serve_cron"`
	ServeMinInterval string `yaml:"serve_min_interval"`
	MetricsAddr      string `yaml:"metrics_addr"`
	GRPCAddr         string `yaml:"grpc_addr"`
}

// Config is the validated configuration. Read-only after Load.
type Config struct {
	JobsFile     string
	ScheduleFile string
	WRDataPath   string // contains "{}" for the chain number
	PowrOutPath  string
	PowrProc     string
	SavePath     string

	ChainRange      chain.Range
	MachinePriority []string        // hosts, in preference order
	ChainPriority   []types.ChainID // chains, in allocation order

	LogLevel string
	LogFile  string

	AuditDriver string // none | file | sqlite
	AuditPath   string

	ServeCron        string
	ServeMinInterval time.Duration
	MetricsAddr      string
	GRPCAddr         string
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes config text; relative paths are joined to baseDir.
func Parse(data []byte, baseDir string) (*Config, error) {
	var raw file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to parse config YAML: %v", ErrInvalidConfig, err)
	}

	cfg := &Config{
		JobsFile:     raw.JobsFile,
		ScheduleFile: raw.ScheduleFile,
		WRDataPath:   raw.WRDataPath,
		PowrOutPath:  raw.PowrOutPath,
		PowrProc:     raw.PowrProc,
		SavePath:     raw.SavePath,
		LogLevel:     orDefault(raw.LogLevel, DefaultLogLevel),
		LogFile:      raw.LogFile,
		AuditDriver:  strings.ToLower(orDefault(raw.AuditDriver, DefaultAuditDriver)),
		AuditPath:    raw.AuditPath,
		ServeCron:    orDefault(raw.ServeCron, DefaultServeCron),
		MetricsAddr:  raw.MetricsAddr,
		GRPCAddr:     raw.GRPCAddr,
	}

	required := []struct{ key, value string }{
		{"jobs_file", raw.JobsFile},
		{"schedule_file", raw.ScheduleFile},
		{"wrdata_path", raw.WRDataPath},
		{"powr_proc", raw.PowrProc},
		{"save_path", raw.SavePath},
		{"chain_range", raw.ChainRange},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return nil, fmt.Errorf("%w: %s is required", ErrInvalidConfig, r.key)
		}
	}
	if !strings.Contains(cfg.WRDataPath, "{}") {
		return nil, fmt.Errorf("%w: wrdata_path %q has no {} placeholder for the chain number", ErrInvalidConfig, cfg.WRDataPath)
	}

	rng, err := chain.ParseRange(raw.ChainRange)
	if err != nil {
		return nil, fmt.Errorf("%w: chain_range: %v", ErrInvalidConfig, err)
	}
	cfg.ChainRange = rng

	cfg.MachinePriority = splitList(raw.MachinePriority)
	if raw.ChainPriority != "" {
		cfg.ChainPriority, err = parseChains(splitList(raw.ChainPriority))
		if err != nil {
			return nil, err
		}
	} else {
		// legacy configs list chain numbers among the hosts
		for _, entry := range cfg.MachinePriority {
			if n, err := strconv.Atoi(entry); err == nil && n > 0 {
				cfg.ChainPriority = append(cfg.ChainPriority, types.ChainID(n))
			}
		}
	}

	cfg.ServeMinInterval = DefaultServeMinInterval
	if raw.ServeMinInterval != "" {
		d, err := time.ParseDuration(raw.ServeMinInterval)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%w: serve_min_interval %q", ErrInvalidConfig, raw.ServeMinInterval)
		}
		cfg.ServeMinInterval = d
	}

	switch cfg.AuditDriver {
	case "none":
	case "file", "sqlite":
		if cfg.AuditPath == "" {
			return nil, fmt.Errorf("%w: audit_path is required for audit_driver %s", ErrInvalidConfig, cfg.AuditDriver)
		}
	default:
		return nil, fmt.Errorf("%w: unknown audit_driver %q", ErrInvalidConfig, cfg.AuditDriver)
	}

	for _, p := range []*string{
		&cfg.JobsFile, &cfg.ScheduleFile, &cfg.WRDataPath, &cfg.PowrOutPath,
		&cfg.PowrProc, &cfg.SavePath, &cfg.LogFile, &cfg.AuditPath,
	} {
		*p = resolve(baseDir, *p)
	}
	return cfg, nil
}

func parseChains(entries []string) ([]types.ChainID, error) {
	chains := make([]types.ChainID, 0, len(entries))
	for _, e := range entries {
		c, err := types.ParseChainID(e)
		if err != nil || c == types.NoChain {
			return nil, fmt.Errorf("%w: chain_priority entry %q", ErrInvalidConfig, e)
		}
		chains = append(chains, c)
	}
	return chains, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func resolve(baseDir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
