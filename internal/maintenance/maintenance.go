// Package maintenance owns the daily sweeps: re-arming the active
// definitions shortly after midnight (so each day's occurrences get armed
// even if nothing fired overnight) and pruning history past its retention
// window. Schedules are cron expressions evaluated in the configured
// timezone; a timezone change restarts the cron runner in the new location.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"medalarmd/internal/alarm"
	"medalarmd/internal/metrics"
	logx "medalarmd/pkg/logx"
)

// Rescheduler is the orchestrator's batch re-arm entry point.
type Rescheduler interface {
	RescheduleAllActive(ctx context.Context) (int, error)
}

// Pruner removes history rows with a log date before the given key.
type Pruner interface {
	PruneHistoryBefore(ctx context.Context, logDate string) (int64, error)
}

type Config struct {
	SweepSpec            string
	PruneSpec            string
	HistoryRetentionDays int // 0 disables pruning
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location
	c   *cron.Cron

	resched Rescheduler
	pruner  Pruner
	log     logx.Logger
	now     func() time.Time
}

func New(cfg Config, resched Rescheduler, pruner Pruner, loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		loc:     loc,
		resched: resched,
		pruner:  pruner,
		log:     log,
		now:     time.Now,
	}
}

// Start registers and starts the cron jobs. Calling Start on a running
// service is a no-op.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(s.loc))

	if _, err := c.AddFunc(s.cfg.SweepSpec, s.runSweep); err != nil {
		return fmt.Errorf("sweep spec %q: %w", s.cfg.SweepSpec, err)
	}
	if s.cfg.HistoryRetentionDays > 0 {
		if _, err := c.AddFunc(s.cfg.PruneSpec, s.runPrune); err != nil {
			return fmt.Errorf("prune spec %q: %w", s.cfg.PruneSpec, err)
		}
	}

	c.Start()
	s.c = c
	s.log.Info("maintenance started",
		logx.String("tz", s.loc.String()),
		logx.String("sweep", s.cfg.SweepSpec),
		logx.Bool("prune_enabled", s.cfg.HistoryRetentionDays > 0))
	return nil
}

// Stop halts the cron runner, waiting for a running job up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("maintenance stopped")
}

// Apply swaps config and location. A changed timezone or schedule restarts
// the runner so entries are re-evaluated in the new location; a timezone
// change also kicks an immediate sweep so wake-ups are re-armed without
// waiting for the next midnight.
func (s *Service) Apply(cfg Config, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tzChanged := loc.String() != s.loc.String()
	unchanged := cfg == s.cfg && !tzChanged
	s.cfg = cfg
	s.loc = loc
	if unchanged || s.c == nil {
		return nil
	}

	c := s.c
	s.c = nil
	stop := c.Stop()
	s.mu.Unlock()
	<-stop.Done()
	s.mu.Lock()
	if s.c != nil {
		return nil
	}
	if err := s.startLocked(); err != nil {
		return err
	}
	if tzChanged {
		go s.runSweep()
	}
	return nil
}

func (s *Service) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	n, err := s.resched.RescheduleAllActive(ctx)
	if err != nil {
		s.log.Error("midnight sweep failed", logx.Err(err))
		return
	}
	s.log.Info("midnight sweep done", logx.Int("armed", n))
}

func (s *Service) runPrune() {
	s.mu.Lock()
	days := s.cfg.HistoryRetentionDays
	loc := s.loc
	s.mu.Unlock()
	if days <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cutoff := s.now().In(loc).AddDate(0, 0, -days).Format(alarm.DateLayout)
	n, err := s.pruner.PruneHistoryBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("history prune failed", logx.String("cutoff", cutoff), logx.Err(err))
		return
	}
	metrics.HistoryPrunedTotal.Add(float64(n))
	s.log.Info("history pruned", logx.String("cutoff", cutoff), logx.Int64("removed", n))
}
