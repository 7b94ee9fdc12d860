package waker

import (
	"sync"
	"time"

	"medalarmd/internal/alarm"
	logx "medalarmd/pkg/logx"
)

// Payload travels with an armed wake-up and is handed back on fire, so the
// fire path can present the alarm without a registry read.
type Payload struct {
	Label  string
	Repeat alarm.RepeatKind
}

// FireFunc is invoked (on its own goroutine) when an armed wake-up elapses.
type FireFunc func(alarmID int64, firedAt time.Time, p Payload)

// Config controls scheduling precision.
//
// Exact=false models the host denying precise wake-ups: arming then degrades
// to the coarse lane, where the delay is rounded up to CoarseGranularity.
// A request is never dropped for lack of precision.
type Config struct {
	Exact             bool
	CoarseGranularity time.Duration
}

// Service owns the pending wake-ups, keyed by alarm identity.
//
// Mutation is always replace-or-cancel by id. Each armed entry carries a
// version counter; callbacks from a timer that has since been replaced or
// disarmed observe a stale version and return without firing.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	fire FireFunc
	now  func() time.Time

	timers   map[int64]*time.Timer
	armedAt  map[int64]time.Time
	payloads map[int64]Payload
	ver      map[int64]uint64

	stopped bool
}

func New(cfg Config, fire FireFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.CoarseGranularity <= 0 {
		cfg.CoarseGranularity = time.Minute
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		fire:     fire,
		now:      time.Now,
		timers:   map[int64]*time.Timer{},
		armedAt:  map[int64]time.Time{},
		payloads: map[int64]Payload{},
		ver:      map[int64]uint64{},
	}
}

// Arm schedules a wake-up for alarmID at the given instant, replacing any
// wake-up already pending for that identity.
func (s *Service) Arm(alarmID int64, at time.Time, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if at.IsZero() {
		return ErrNoInstant
	}

	// Replace: stop the previous timer and invalidate its callback.
	if t, ok := s.timers[alarmID]; ok {
		_ = t.Stop()
		delete(s.timers, alarmID)
	}
	ver := s.ver[alarmID] + 1
	s.ver[alarmID] = ver
	s.armedAt[alarmID] = at
	s.payloads[alarmID] = p

	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	if !s.cfg.Exact {
		// Best-effort lane: round the delay up to the coarse granularity.
		// Late is acceptable; dropped is not.
		rounded := roundUp(delay, s.cfg.CoarseGranularity)
		s.log.Debug("exact scheduling unavailable; using coarse lane",
			logx.Int64("alarm_id", alarmID),
			logx.Duration("delay", delay),
			logx.Duration("coarse", rounded))
		delay = rounded
	}

	localVer := ver
	s.timers[alarmID] = time.AfterFunc(delay, func() { s.elapsed(alarmID, localVer) })

	s.log.Debug("wake-up armed",
		logx.Int64("alarm_id", alarmID),
		logx.Time("at", at),
		logx.String("label", p.Label))
	return nil
}

// Disarm drops any pending wake-up for alarmID. It is a no-op when nothing
// is pending.
func (s *Service) Disarm(alarmID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[alarmID]; ok {
		_ = t.Stop()
		delete(s.timers, alarmID)
	}
	delete(s.armedAt, alarmID)
	delete(s.payloads, alarmID)
	// The counter stays and is bumped, never reset: a callback already in
	// flight holds the old version and must not match a later Arm.
	if _, ok := s.ver[alarmID]; ok {
		s.ver[alarmID]++
	}
}

// Pending reports the instant currently armed for alarmID, if any.
func (s *Service) Pending(alarmID int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.armedAt[alarmID]
	return at, ok
}

// PendingCount reports how many wake-ups are armed.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armedAt)
}

// Stop cancels every pending timer. Armed state does not survive Stop;
// callers re-arm from the registry on the next start (the batch re-arm
// path), matching the loss of OS wake-ups across reboots.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		_ = t.Stop()
		delete(s.timers, id)
	}
	s.armedAt = map[int64]time.Time{}
	s.payloads = map[int64]Payload{}
	s.ver = map[int64]uint64{}
}

func (s *Service) elapsed(alarmID int64, localVer uint64) {
	s.mu.Lock()
	if s.stopped || s.ver[alarmID] != localVer {
		// Replaced or disarmed after this timer was set; ignore.
		s.mu.Unlock()
		return
	}
	p := s.payloads[alarmID]
	delete(s.timers, alarmID)
	delete(s.armedAt, alarmID)
	delete(s.payloads, alarmID)
	fire := s.fire
	now := s.now()
	s.mu.Unlock()

	if fire != nil {
		fire(alarmID, now, p)
	}
}

func roundUp(d, step time.Duration) time.Duration {
	if step <= 0 || d <= 0 {
		return d
	}
	if rem := d % step; rem != 0 {
		return d + step - rem
	}
	return d
}
