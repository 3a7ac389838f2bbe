// Package scheduler fires coordinator ticks and snapshot pruning on cron
// schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"options-riskcore/internal/config"
	"options-riskcore/internal/coordinator"
	"options-riskcore/internal/logging"
)

// Ticker runs one coordinator tick.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) coordinator.TickReport
}

// Pruner removes old snapshots.
type Pruner interface {
	PruneSnapshots(ctx context.Context, retention time.Duration, now time.Time) (int64, error)
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron      *cron.Cron
	ticker    Ticker
	pruner    Pruner
	retention time.Duration
	logger    zerolog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	onReport  func(coordinator.TickReport)
}

// New registers the tick job and, when a pruner and prune schedule are
// given, the pruning job. Overlapping runs of the same job are skipped.
func New(cfg config.SchedulerConfig, retention time.Duration, t Ticker, p Pruner, logger zerolog.Logger) (*Scheduler, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	log := logging.WithComponent(logger, "scheduler")
	cl := cronLogger{log}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ticker:    t,
		pruner:    p,
		retention: retention,
		logger:    log,
		ctx:       ctx,
		cancel:    cancel,
	}

	if _, err := s.cron.AddFunc(cfg.TickCron, s.RunTick); err != nil {
		cancel()
		return nil, fmt.Errorf("register tick job: %w", err)
	}
	if p != nil && cfg.PruneCron != "" {
		if _, err := s.cron.AddFunc(cfg.PruneCron, s.RunPrune); err != nil {
			cancel()
			return nil, fmt.Errorf("register prune job: %w", err)
		}
	}
	return s, nil
}

// OnReport sets a callback that receives every tick report.
func (s *Scheduler) OnReport(fn func(coordinator.TickReport)) {
	s.onReport = fn
}

// Start starts the cron runner in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop stops scheduling and waits for running jobs to finish, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("Scheduler stop timed out, cancelling running jobs")
	}
	s.cancel()
	s.logger.Info().Msg("Scheduler stopped")
}

// RunTick runs one tick now.
func (s *Scheduler) RunTick() {
	rep := s.ticker.Tick(s.ctx, time.Now())
	if rep.Skipped {
		return
	}
	s.logger.Debug().
		Int64("tick", rep.Tick).
		Str("breaker", string(rep.Breaker)).
		Int("outcomes", len(rep.Outcomes)).
		Msg("Tick complete")
	if s.onReport != nil {
		s.onReport(rep)
	}
}

// RunPrune prunes snapshots older than the retention window.
func (s *Scheduler) RunPrune() {
	if s.pruner == nil || s.retention <= 0 {
		return
	}
	n, err := s.pruner.PruneSnapshots(s.ctx, s.retention, time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("Snapshot pruning failed")
		return
	}
	s.logger.Info().Int64("pruned", n).Dur("retention", s.retention).Msg("Snapshots pruned")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
