// Package cron drives the control loop: every agent is ticked on a fixed
// interval, and auxiliary maintenance jobs run on cron specs.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/smolclaw/internal/control"
)

// Ticker advances every agent by one control tick.
type Ticker interface {
	TickAll(ctx context.Context) []control.TickResult
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Agents Ticker
	Logger *slog.Logger
	// Interval is the control tick period; defaults to 1 minute if zero.
	// Periods below one second are rounded up to one second.
	Interval time.Duration
	Location *time.Location
	// OnTick receives the results of every control tick.
	OnTick func([]control.TickResult)
}

// Scheduler runs the control tick and any added jobs on a robfig/cron
// runner. Overlapping runs of the same job are skipped.
type Scheduler struct {
	agents   Ticker
	logger   *slog.Logger
	interval time.Duration
	onTick   func([]control.TickResult)
	runner   *cronlib.Cron
	tickJob  cronlib.Job // the control tick wrapped in the runner's chain

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		agents:   cfg.Agents,
		logger:   logger,
		interval: interval,
		onTick:   cfg.OnTick,
		runner: cronlib.New(
			cronlib.WithLocation(loc),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
		),
		ctx: context.Background(),
	}
	id := s.runner.Schedule(cronlib.Every(interval), cronlib.FuncJob(func() { s.RunOnce(s.jobContext()) }))
	s.tickJob = s.runner.Entry(id).WrappedJob
	return s
}

// AddJob schedules fn on a standard cron spec ("0 4 * * *", "@daily",
// "@every 1h"). Jobs added after Start are picked up immediately.
func (s *Scheduler) AddJob(spec, name string, fn func(ctx context.Context)) error {
	_, err := s.runner.AddFunc(spec, func() {
		start := time.Now()
		fn(s.jobContext())
		s.logger.Debug("cron: job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("cron: add job %q: %w", name, err)
	}
	return nil
}

// Start runs one control tick immediately, then hands the schedule to the
// cron runner. The startup tick and the scheduled ticks never overlap. The provided context bounds every job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	// The startup tick shares the scheduled job's skip-if-running guard.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tickJob.Run()
	}()
	s.runner.Start()
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels running jobs and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.runner.Stop().Done()
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// RunOnce performs a single control tick across all agents.
func (s *Scheduler) RunOnce(ctx context.Context) []control.TickResult {
	if ctx.Err() != nil {
		return nil
	}
	start := time.Now()
	results := s.agents.TickAll(ctx)
	fired := 0
	for _, r := range results {
		fired += len(r.Fired)
	}
	s.logger.Debug("cron: control tick", "agents", len(results), "alarms_fired", fired, "duration", time.Since(start))
	if s.onTick != nil {
		s.onTick(results)
	}
	return results
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// cronLogger adapts slog to the cron runner's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
