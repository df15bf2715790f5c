// ============================================================================
// postbox serve mode
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: run scheduler cycles unattended
//
// Triggers:
//   - startup
//   - cron schedule (serve_cron)
//   - schedule file change (fsnotify, debounced); the rename of our own
//     pruned schedule file is recognized by its digest and dropped
//
// All triggers land in a channel of capacity one and are consumed by a single
// loop goroutine, so at most one cycle runs and bursts coalesce. A rate
// limiter enforces serve_min_interval between cycles.
//
// One cycle: Sync -> RunAuto -> Stage -> Submit.
// Sync goes first so chains freed by finished jobs are available to the
// admission pass in the same cycle.
//
// Side endpoints:
//   - gRPC health service, "postbox.Scheduler" reflects the last cycle
//   - Prometheus /metrics
//   - sd_notify READY / STOPPING when run under systemd
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/postbox/internal/metrics"
	"github.com/ChuLiYu/postbox/internal/scheduler"
	"github.com/cespare/xxhash/v2"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reporting the last cycle.
const ServiceName = "postbox.Scheduler"

// debounceDelay collapses editor save bursts into one trigger.
const debounceDelay = 250 * time.Millisecond

// reasonScheduleChanged is the trigger reason of the schedule file watch.
const reasonScheduleChanged = "schedule changed"

// Runner is the part of *scheduler.Scheduler a cycle drives.
type Runner interface {
	Sync(ctx context.Context) (*scheduler.Report, error)
	RunAuto(ctx context.Context) (*scheduler.Report, error)
	Stage(ctx context.Context) (*scheduler.Report, error)
	Submit(ctx context.Context) (*scheduler.Report, error)
}

// Options configures a Server.
type Options struct {
	Runner       Runner
	SchedulePath string
	Cron         string
	MinInterval  time.Duration
	MetricsAddr  string
	Gatherer     prometheus.Gatherer
	GRPCAddr     string
	Logger       zerolog.Logger
}

// Cycle is the outcome of one cycle.
type Cycle struct {
	Reason   string
	Started  time.Time
	Finished time.Time
	Reports  []*scheduler.Report
	Err      error
}

// Server runs cycles until its context ends.
type Server struct {
	runner       Runner
	schedulePath string
	cronSpec     string
	metricsAddr  string
	gatherer     prometheus.Gatherer
	grpcAddr     string
	log          zerolog.Logger

	schedule cron.Schedule
	limiter  *rate.Limiter
	health   *health.Server
	trigger  chan string

	// digest of the schedule file as the last successful admission pass
	// left it; owned by the loop goroutine
	scheduleSum  uint64
	scheduleSeen bool

	mu     sync.RWMutex
	last   *Cycle
	cycles int
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates opts and creates a server.
func New(opts Options) (*Server, error) {
	if opts.Runner == nil {
		return nil, errors.New("server: runner is required")
	}
	sched, err := cronParser.Parse(opts.Cron)
	if err != nil {
		return nil, fmt.Errorf("server: cron %q: %w", opts.Cron, err)
	}

	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_UNKNOWN)

	return &Server{
		runner:       opts.Runner,
		schedulePath: opts.SchedulePath,
		cronSpec:     opts.Cron,
		metricsAddr:  opts.MetricsAddr,
		gatherer:     opts.Gatherer,
		grpcAddr:     opts.GRPCAddr,
		log:          opts.Logger,
		schedule:     sched,
		limiter:      rate.NewLimiter(limit, 1),
		health:       hs,
		trigger:      make(chan string, 1),
	}, nil
}

// Trigger requests a cycle. It never blocks; a pending request absorbs it.
func (s *Server) Trigger(reason string) {
	select {
	case s.trigger <- reason:
	default:
		s.log.Debug().Str("reason", reason).Msg("cycle already pending")
	}
}

// RegisterGRPC adds the health service to g.
func (s *Server) RegisterGRPC(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.health)
}

// Last returns the most recent cycle and the number of cycles run.
func (s *Server) Last() (*Cycle, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.cycles
}

// ============================================================================
// Main loop
// ============================================================================

// Run blocks until ctx is canceled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	defer wg.Wait()

	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", s.grpcAddr, err)
		}
		g := grpc.NewServer()
		s.RegisterGRPC(g)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
		defer g.GracefulStop()
		s.log.Info().Str("addr", s.grpcAddr).Msg("grpc health listening")
	}

	if s.metricsAddr != "" && s.gatherer != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(s.gatherer))
		hs := &http.Server{Addr: s.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics: %w", err)
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = hs.Shutdown(sctx)
		}()
		s.log.Info().Str("addr", s.metricsAddr).Msg("metrics listening")
	}

	c := cron.New(cron.WithParser(cronParser))
	c.Schedule(s.schedule, cron.FuncJob(func() { s.Trigger("cron") }))
	c.Start()
	defer c.Stop()

	if s.schedulePath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.watch(ctx)
		}()
	}

	s.Trigger("startup")
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		s.log.Warn().Err(err).Msg("sd_notify ready failed")
	} else if ok {
		s.log.Debug().Msg("sd_notify ready sent")
	}
	s.log.Info().Str("cron", s.cronSpec).Str("schedule", s.schedulePath).Msg("serve started")

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			runErr = err
			break loop
		case reason := <-s.trigger:
			if err := s.handle(ctx, reason); err != nil {
				break loop
			}
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	s.health.Shutdown()
	s.log.Info().Msg("serve stopping")
	cancel()
	return runErr
}

// handle runs the cycle for one trigger. A schedule change that is only our
// own pruning of the file is dropped. The error is the limiter's, set when
// ctx ends while waiting.
func (s *Server) handle(ctx context.Context, reason string) error {
	if reason == reasonScheduleChanged && !s.scheduleChanged() {
		s.log.Debug().Msg("schedule file unchanged since the last admission pass")
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	s.cycle(ctx, reason)
	return nil
}

// cycle runs one Sync/RunAuto/Stage/Submit sequence.
// A failing operation stops the cycle; the next trigger retries from the start.
func (s *Server) cycle(ctx context.Context, reason string) {
	cy := &Cycle{Reason: reason, Started: time.Now()}
	steps := []struct {
		op  scheduler.Op
		run func(context.Context) (*scheduler.Report, error)
	}{
		{scheduler.OpSync, s.runner.Sync},
		{scheduler.OpAuto, s.runner.RunAuto},
		{scheduler.OpStage, s.runner.Stage},
		{scheduler.OpSubmit, s.runner.Submit},
	}
	for _, step := range steps {
		r, err := step.run(ctx)
		if r != nil {
			cy.Reports = append(cy.Reports, r)
		}
		if err != nil {
			cy.Err = err
			break
		}
		if step.op == scheduler.OpAuto {
			s.noteSchedule()
		}
	}
	cy.Finished = time.Now()

	status := healthpb.HealthCheckResponse_SERVING
	if cy.Err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.log.Error().Err(cy.Err).Str("reason", reason).Msg("cycle failed")
	} else {
		s.log.Debug().Str("reason", reason).Dur("took", cy.Finished.Sub(cy.Started)).Msg("cycle finished")
	}
	s.health.SetServingStatus(ServiceName, status)

	s.mu.Lock()
	s.last = cy
	s.cycles++
	s.mu.Unlock()
}

// ============================================================================
// Schedule file watch
// ============================================================================

func (s *Server) scheduleDigest() (uint64, bool) {
	if s.schedulePath == "" {
		return 0, false
	}
	data, err := os.ReadFile(s.schedulePath)
	if err != nil {
		return 0, false
	}
	return xxhash.Sum64(data), true
}

// noteSchedule records the schedule file as the admission pass left it.
func (s *Server) noteSchedule() {
	if sum, ok := s.scheduleDigest(); ok {
		s.scheduleSum, s.scheduleSeen = sum, true
	}
}

// scheduleChanged reports whether the file differs from the recorded digest.
// An unreadable file counts as changed.
func (s *Server) scheduleChanged() bool {
	sum, ok := s.scheduleDigest()
	return !ok || !s.scheduleSeen || sum != s.scheduleSum
}

// watch triggers a cycle when the schedule file changes. The directory is
// watched so editors that replace the file by rename are still seen.
func (s *Server) watch(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn().Err(err).Msg("schedule watch disabled")
		return
	}
	defer w.Close()

	dir, file := filepath.Split(s.schedulePath)
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		s.log.Warn().Err(err).Str("dir", dir).Msg("schedule watch disabled")
		return
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, func() { s.Trigger(reasonScheduleChanged) })
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("schedule watch error")
		}
	}
}
