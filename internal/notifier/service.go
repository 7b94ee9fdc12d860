package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"medalarmd/internal/alarm"
	"medalarmd/internal/eventbus"
	"medalarmd/internal/metrics"
	"medalarmd/internal/orchestrator"
	logx "medalarmd/pkg/logx"
)

// Service consumes alarm lifecycle events from the bus and pushes
// user-facing messages through a Sender, throttled by a token bucket and
// retried with exponential backoff. Delivery is best-effort: the registry,
// not the notification channel, is the source of truth, so an undeliverable
// message is eventually dropped and counted.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender Sender
	bus    eventbus.Bus
	log    logx.Logger
	loc    *time.Location
}

func New(cfg Config, sender Sender, bus eventbus.Bus, loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		bus:    bus,
		log:    log,
		loc:    loc,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	s.cfg = cfg
	// Burst = rate per sec so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Run consumes the bus until ctx is cancelled. Intended to be hosted under
// the supervisor's restart loop.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	buffer := s.cfg.QueueSize
	s.mu.Unlock()
	if !enabled || s.sender == nil || s.bus == nil {
		s.log.Debug("notifier disabled")
		<-ctx.Done()
		return nil
	}

	ch, unsub := s.bus.Subscribe(buffer)
	defer unsub()

	s.log.Info("notifier running", logx.String("channel", s.sender.Name()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			text, ok := s.render(e)
			if !ok {
				continue
			}
			s.deliver(ctx, text)
		}
	}
}

// render turns a bus event into a message. Events that are operational
// rather than user-facing render to nothing.
func (s *Service) render(e eventbus.Event) (string, bool) {
	switch e.Type {
	case eventbus.TypeAlarmFired:
		ev, ok := e.Data.(orchestrator.FireEvent)
		if !ok {
			return "", false
		}
		when := ev.FiredAt.In(s.loc).Format("15:04")
		if ev.Deferred {
			return fmt.Sprintf("⏰ %s — deferred reminder (%s). Take your dose and mark it.", ev.Alarm.Label, when), true
		}
		return fmt.Sprintf("⏰ %s — time for your dose (%s).", ev.Alarm.Label, when), true

	case eventbus.TypeAlarmDeferred:
		ev, ok := e.Data.(orchestrator.DeferEvent)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("⏳ %s snoozed until %s.", ev.Label, ev.FireAt.In(s.loc).Format("15:04")), true

	case eventbus.TypeAlarmStatus:
		ev, ok := e.Data.(orchestrator.StatusEvent)
		if !ok {
			return "", false
		}
		switch ev.Status {
		case alarm.StatusTaken:
			return fmt.Sprintf("✅ %s marked taken for %s.", ev.Label, ev.LogDate), true
		case alarm.StatusSkipped:
			return fmt.Sprintf("⏭ %s skipped for %s.", ev.Label, ev.LogDate), true
		}
		return "", false
	}
	return "", false
}

// deliver pushes one message through the limiter and the retry loop.
func (s *Service) deliver(ctx context.Context, text string) {
	s.mu.Lock()
	limiter := s.limiter
	retryMax := s.cfg.RetryMax
	retryBase := s.cfg.RetryBase
	s.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return
	}

	channel := s.sender.Name()
	backoff := retryBase
	for attempt := 0; ; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.Send(sctx, text)
		cancel()
		if err == nil {
			metrics.NotificationsSentTotal.WithLabelValues(channel).Inc()
			return
		}
		metrics.NotificationErrors.WithLabelValues(channel).Inc()
		if attempt >= retryMax || ctx.Err() != nil {
			metrics.NotificationsDroppedTotal.Inc()
			s.log.Warn("notification dropped after retries",
				logx.String("channel", channel),
				logx.Int("attempts", attempt+1),
				logx.Err(err))
			return
		}
		s.log.Debug("notification send failed; retrying",
			logx.String("channel", channel),
			logx.Duration("backoff", backoff),
			logx.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
