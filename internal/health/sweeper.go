package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepFunc refreshes the status of instances that are not connected.
type SweepFunc func(ctx context.Context) error

// Sweeper runs a SweepFunc on a cron schedule, skipping a tick while the
// previous sweep is still running.
type Sweeper struct {
	cron    *cron.Cron
	sweep   SweepFunc
	monitor *Monitor
	log     *slog.Logger
	timeout time.Duration

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewSweeper runs fn on a cron expression such as "@every 2m". Each run is
// bounded by timeout.
func NewSweeper(schedule string, timeout time.Duration, fn SweepFunc, monitor *Monitor, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		cron:    cron.New(),
		sweep:   fn,
		monitor: monitor,
		log:     logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	if _, err := s.cron.AddFunc(schedule, s.Run); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Info("status sweeper started")
}

// Stop halts the schedule and waits for a running sweep or ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.log.Info("status sweeper stopped")
}

// Run performs one sweep now.
func (s *Sweeper) Run() {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("previous sweep still running, skipping")
		return
	}
	defer s.running.Store(false)

	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := s.sweep(ctx); err != nil {
		s.log.Warn("status sweep finished with errors", "error", err, "duration", time.Since(start))
	} else {
		s.log.Debug("status sweep finished", "duration", time.Since(start))
	}
	if s.monitor != nil {
		s.monitor.RecordSweep(time.Now())
	}
}
