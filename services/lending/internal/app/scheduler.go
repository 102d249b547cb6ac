package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultSweepInterval = 10 * time.Minute
	DefaultMisfireGrace  = 2 * time.Minute
	DefaultLeaseTTL      = 5 * time.Minute
)

// Sweeper runs one overdue sweep.
type Sweeper interface {
	RunSweep(ctx context.Context) (SweepReport, error)
}

// Lease grants single-flight across replicas. ok is false when another
// holder owns the lease.
type Lease interface {
	TryAcquire(ctx context.Context, ttl time.Duration) (release func(), ok bool, err error)
}

// SchedulerConfig configures the periodic sweep.
type SchedulerConfig struct {
	Interval     time.Duration
	MisfireGrace time.Duration
	LeaseTTL     time.Duration
	// Lease is optional; without it single-flight is per process.
	Lease Lease
	// Ticks replaces the interval ticker, mainly for tests.
	Ticks  <-chan time.Time
	Now    func() time.Time
	Logger *slog.Logger
}

// Scheduler fires the sweep on a fixed interval. A tick is skipped while a
// run is in flight, and a tick older than the grace window is dropped.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	grace    time.Duration
	leaseTTL time.Duration
	lease    Lease
	ticks    <-chan time.Time
	now      func() time.Time
	logger   *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewScheduler constructs a scheduler for the given sweeper.
func NewScheduler(sweeper Sweeper, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: cfg.Interval,
		grace:    cfg.MisfireGrace,
		leaseTTL: cfg.LeaseTTL,
		lease:    cfg.Lease,
		ticks:    cfg.Ticks,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
}

// Run blocks until ctx is done, then waits for an in-flight sweep.
func (s *Scheduler) Run(ctx context.Context) error {
	ticks := s.ticks
	if ticks == nil {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	s.logger.Info("sweep scheduler started", "interval", s.interval.String(), "misfire_grace", s.grace.String())
	defer s.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep scheduler stopping")
			return nil
		case fired := <-ticks:
			s.onTick(ctx, fired)
		}
	}
}

func (s *Scheduler) onTick(ctx context.Context, fired time.Time) {
	if late := s.now().Sub(fired); late > s.grace {
		s.logger.Warn("sweep tick misfired", "scheduled_at", fired.UTC(), "late_by", late.String())
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("sweep tick skipped, previous run still active")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		if _, err := s.runLeased(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
			s.logger.Error("sweep failed", "err", err)
		}
	}()
}

// Trigger runs one sweep now, sharing the single-flight guard with ticks.
func (s *Scheduler) Trigger(ctx context.Context) (SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return SweepReport{}, ErrSweepInProgress
	}
	defer s.running.Store(false)
	return s.runLeased(ctx)
}

func (s *Scheduler) runLeased(ctx context.Context) (SweepReport, error) {
	if s.lease != nil {
		release, ok, err := s.lease.TryAcquire(ctx, s.leaseTTL)
		if err != nil {
			return SweepReport{}, fmt.Errorf("acquire sweep lease: %w: %v", ErrExternalService, err)
		}
		if !ok {
			s.logger.Info("sweep lease held by another replica")
			return SweepReport{}, ErrSweepInProgress
		}
		defer release()
	}
	return s.sweeper.RunSweep(ctx)
}
