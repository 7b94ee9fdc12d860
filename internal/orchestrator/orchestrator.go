package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"medalarmd/internal/alarm"
	"medalarmd/internal/eventbus"
	"medalarmd/internal/metrics"
	"medalarmd/internal/registry"
	"medalarmd/internal/waker"
	logx "medalarmd/pkg/logx"
)

var (
	// ErrDuplicate reports that an active definition with the same
	// (hour, minute, kind, interval, daysOfWeek) already exists. It is a
	// distinguished outcome, not a failure.
	ErrDuplicate = errors.New("orchestrator: duplicate definition")

	// ErrNotFound mirrors the registry sentinel for callers that do not
	// want to import the registry package.
	ErrNotFound = registry.ErrNotFound

	// ErrNoTrigger reports that no future trigger instant could be
	// computed for a definition, so nothing was armed.
	ErrNoTrigger = errors.New("orchestrator: no computable trigger instant")

	// ErrRescheduleFailed reports that a batch re-arm attempted at least
	// one definition and every attempt failed.
	ErrRescheduleFailed = errors.New("orchestrator: all re-arm attempts failed")
)

// Waker is the subset of the wake-up adapter the orchestrator drives.
type Waker interface {
	Arm(alarmID int64, at time.Time, p waker.Payload) error
	Disarm(alarmID int64)
}

// Event payloads published on the bus. Consumers (the notifier) render
// these into user-facing messages; the registry remains the source of truth.
type (
	FireEvent struct {
		Alarm    alarm.Definition
		LogDate  string
		FiredAt  time.Time
		Deferred bool
	}

	CreateEvent struct {
		Alarm alarm.Definition
	}

	StatusEvent struct {
		AlarmID  int64
		Label    string
		LogDate  string
		Status   alarm.TakeStatus
		ActionAt time.Time
	}

	DeferEvent struct {
		AlarmID int64
		Label   string
		LogDate string
		FireAt  time.Time
	}

	RescheduleEvent struct {
		Attempted int
		Armed     int
	}
)

// Service is the schedule orchestrator: the single writer of definitions
// and history, and the only component that arms or disarms wake-ups.
//
// Per-alarm operations are sequential in practice (driven by discrete
// events); the waker's replace-by-id semantics make a stray double-arm
// harmless.
type Service struct {
	store registry.Store
	wake  Waker
	bus   eventbus.Bus
	log   logx.Logger
	loc   *time.Location

	now func() time.Time
}

func New(store registry.Store, wake Waker, bus eventbus.Bus, loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		wake:  wake,
		bus:   bus,
		log:   log,
		loc:   loc,
		now:   time.Now,
	}
}

// Create validates and persists a new definition, arming its first wake-up
// when active. A duplicate probe runs first: an active definition with the
// same (hour, minute, kind, interval, daysOfWeek) short-circuits the whole
// operation with ErrDuplicate. Label and the date window never count toward
// duplicate identity.
func (s *Service) Create(ctx context.Context, def alarm.Definition) (alarm.Definition, error) {
	if def.StartDate.IsZero() {
		def.StartDate = s.now()
	}
	if err := def.Validate(); err != nil {
		return alarm.Definition{}, err
	}

	n, err := s.store.CountMatching(ctx, def.Hour, def.Minute, def.Repeat, def.Interval, def.DaysOfWeek)
	if err != nil {
		return alarm.Definition{}, fmt.Errorf("duplicate probe: %w", err)
	}
	if n > 0 {
		metrics.DuplicatesRejectedTotal.Inc()
		return alarm.Definition{}, ErrDuplicate
	}

	id, err := s.store.InsertDefinition(ctx, def)
	if err != nil {
		return alarm.Definition{}, fmt.Errorf("persist definition: %w", err)
	}
	def.ID = id
	metrics.AlarmsCreatedTotal.Inc()

	if def.IsActive {
		if err := s.armNext(def, s.now()); err != nil {
			return def, err
		}
	}
	s.publish(eventbus.TypeAlarmCreated, CreateEvent{Alarm: def})

	s.log.Info("alarm created",
		logx.Int64("alarm_id", def.ID),
		logx.String("label", def.Label),
		logx.String("repeat", string(def.Repeat)))
	return def, nil
}

// Get returns a definition by id.
func (s *Service) Get(ctx context.Context, id int64) (alarm.Definition, bool, error) {
	return s.store.DefinitionByID(ctx, id)
}

// Cancel deactivates a definition and drops its pending wake-up. Cancelling
// an already-cancelled alarm is a no-op, never an error.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	if err := s.store.SetActive(ctx, id, false); err != nil {
		return err
	}
	s.wake.Disarm(id)
	s.log.Info("alarm cancelled", logx.Int64("alarm_id", id))
	return nil
}

// Delete removes a definition and, by cascade, its history, dropping any
// pending wake-up first.
func (s *Service) Delete(ctx context.Context, id int64) error {
	s.wake.Disarm(id)
	if err := s.store.DeleteDefinition(ctx, id); err != nil {
		return err
	}
	s.log.Info("alarm deleted", logx.Int64("alarm_id", id))
	return nil
}

// HandleFire is the waker's fire callback. It presents the occurrence
// (via the bus), makes sure today's history row exists, and decides the
// re-arm: one-shot definitions are deactivated, recurring ones get their
// next wake-up armed immediately. The history row stays NOT_ACTION until
// the user responds; an un-actioned occurrence is never silently closed.
func (s *Service) HandleFire(alarmID int64, firedAt time.Time, p waker.Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	metrics.WakeupsFiredTotal.Inc()

	def, ok, err := s.store.DefinitionByID(ctx, alarmID)
	if err != nil {
		s.log.Error("fire: definition lookup failed", logx.Int64("alarm_id", alarmID), logx.Err(err))
		return
	}
	if !ok || !def.IsActive {
		s.log.Warn("fire for missing or inactive alarm; dropping",
			logx.Int64("alarm_id", alarmID), logx.Bool("found", ok))
		return
	}

	logDate := firedAt.In(s.loc).Format(alarm.DateLayout)
	rec, exists, err := s.store.HistoryByAlarmAndDate(ctx, alarmID, logDate)
	if err != nil {
		s.log.Error("fire: history lookup failed", logx.Int64("alarm_id", alarmID), logx.Err(err))
	}
	if err == nil && !exists {
		if _, err := s.store.InsertHistory(ctx, alarm.HistoryRecord{
			AlarmID: alarmID,
			LogDate: logDate,
			Status:  alarm.StatusNotAction,
		}); err != nil {
			s.log.Error("fire: history insert failed", logx.Int64("alarm_id", alarmID), logx.Err(err))
		}
	}

	s.publish(eventbus.TypeAlarmFired, FireEvent{
		Alarm:    def,
		LogDate:  logDate,
		FiredAt:  firedAt,
		Deferred: exists && rec.IsDeferred,
	})
	s.log.Info("alarm fired",
		logx.Int64("alarm_id", alarmID),
		logx.String("label", def.Label),
		logx.String("log_date", logDate))

	if def.Repeat == alarm.RepeatNone {
		// One-shot: terminal after firing, never a second trigger.
		if err := s.store.SetActive(ctx, alarmID, false); err != nil {
			s.log.Error("fire: deactivate one-shot failed", logx.Int64("alarm_id", alarmID), logx.Err(err))
		}
		return
	}
	if err := s.armNext(def, firedAt); err != nil {
		if errors.Is(err, ErrNoTrigger) {
			// Last occurrence inside the definition's window just fired.
			s.log.Info("schedule exhausted; no further wake-ups",
				logx.Int64("alarm_id", alarmID),
				logx.String("label", def.Label))
			return
		}
		s.log.Error("fire: re-arm failed", logx.Int64("alarm_id", alarmID), logx.Err(err))
	}
}

// UpdateStatus records the user's response (TAKEN or SKIPPED, or a reset to
// NOT_ACTION) for one occurrence, upserting the history row. Recurring
// definitions are re-armed for their next trigger; a one-shot is deactivated
// and its pending wake-up dropped.
func (s *Service) UpdateStatus(ctx context.Context, alarmID int64, logDate string, status alarm.TakeStatus) error {
	if _, err := alarm.ParseTakeStatus(string(status)); err != nil {
		return err
	}
	if _, err := time.ParseInLocation(alarm.DateLayout, logDate, s.loc); err != nil {
		return fmt.Errorf("bad log date %q: %w", logDate, err)
	}

	def, ok, err := s.store.DefinitionByID(ctx, alarmID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	actionAt := s.now()
	if status == alarm.StatusNotAction {
		actionAt = time.Time{}
	}
	err = s.store.UpdateStatus(ctx, alarmID, logDate, status, actionAt)
	if errors.Is(err, registry.ErrNotFound) {
		_, err = s.store.InsertHistory(ctx, alarm.HistoryRecord{
			AlarmID:         alarmID,
			LogDate:         logDate,
			Status:          status,
			ActionTimestamp: actionAt,
		})
	}
	if err != nil {
		return fmt.Errorf("persist status: %w", err)
	}
	metrics.StatusUpdatesTotal.WithLabelValues(string(status)).Inc()

	s.publish(eventbus.TypeAlarmStatus, StatusEvent{
		AlarmID:  alarmID,
		Label:    def.Label,
		LogDate:  logDate,
		Status:   status,
		ActionAt: actionAt,
	})
	s.log.Info("status recorded",
		logx.Int64("alarm_id", alarmID),
		logx.String("log_date", logDate),
		logx.String("status", string(status)))

	if def.Repeat == alarm.RepeatNone {
		s.wake.Disarm(alarmID)
		if def.IsActive {
			if err := s.store.SetActive(ctx, alarmID, false); err != nil {
				return fmt.Errorf("deactivate one-shot: %w", err)
			}
		}
		return nil
	}
	if def.IsActive {
		// Status updates on past occurrences of a closed definition are
		// legitimate; exhaustion is not an error here.
		if err := s.armNext(def, s.now()); err != nil && !errors.Is(err, ErrNoTrigger) {
			return err
		}
	}
	return nil
}

// OccurrencesForDate returns every active definition due on the given
// calendar date, joined with that date's history record, ascending by
// time-of-day.
func (s *Service) OccurrencesForDate(ctx context.Context, date time.Time) ([]alarm.Occurrence, error) {
	defs, err := s.store.ActiveDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	logDate := date.In(s.loc).Format(alarm.DateLayout)
	hist, err := s.store.HistoryByDate(ctx, logDate)
	if err != nil {
		return nil, err
	}
	byAlarm := make(map[int64]alarm.HistoryRecord, len(hist))
	for _, h := range hist {
		byAlarm[h.AlarmID] = h
	}

	occs := make([]alarm.Occurrence, 0, len(defs))
	for _, def := range defs {
		if !alarm.IsDue(def, date, s.loc) {
			continue
		}
		occ := alarm.Occurrence{Definition: def, Status: alarm.StatusNotAction}
		if h, ok := byAlarm[def.ID]; ok {
			occ.Status = h.Status
			occ.ActionTimestamp = h.ActionTimestamp
			occ.DeferredFireTime = h.DeferredFireTime
			occ.DeferredScheduledAt = h.DeferredScheduledAt
			occ.IsDeferred = h.IsDeferred
		}
		occs = append(occs, occ)
	}
	sort.SliceStable(occs, func(i, j int) bool {
		a, b := occs[i].Definition, occs[j].Definition
		if a.TimeOfDay() != b.TimeOfDay() {
			return a.TimeOfDay() < b.TimeOfDay()
		}
		return a.ID < b.ID
	})
	return occs, nil
}

// RescheduleAllActive re-arms every active definition, handling each one
// independently. Run after boot, a system time change, or a timezone change,
// when previously armed wake-ups are stale or gone. Definitions with no
// future occurrence (closed by a split, or otherwise exhausted) are skipped,
// not failed: they stay active so their history keeps rendering, but they
// must never fire again. The batch succeeds when at least one schedulable
// definition was armed; it fails only when every attempt failed.
func (s *Service) RescheduleAllActive(ctx context.Context) (int, error) {
	defs, err := s.store.ActiveDefinitions(ctx)
	if err != nil {
		metrics.RescheduleRunsTotal.WithLabelValues("failed").Inc()
		return 0, err
	}

	now := s.now()
	armed, skipped := 0, 0
	for _, def := range defs {
		err := s.armNext(def, now)
		switch {
		case err == nil:
			armed++
		case errors.Is(err, ErrNoTrigger):
			skipped++
			s.log.Debug("no future occurrence; not armed",
				logx.Int64("alarm_id", def.ID),
				logx.String("label", def.Label))
		default:
			s.log.Warn("re-arm failed; continuing",
				logx.Int64("alarm_id", def.ID),
				logx.String("label", def.Label),
				logx.Err(err))
		}
	}

	attempted := len(defs) - skipped
	result := "ok"
	switch {
	case attempted > 0 && armed == 0:
		result = "failed"
	case armed < attempted:
		result = "partial"
	}
	metrics.RescheduleRunsTotal.WithLabelValues(result).Inc()

	s.publish(eventbus.TypeAlarmRescheduled, RescheduleEvent{Attempted: attempted, Armed: armed})
	s.log.Info("batch re-arm finished",
		logx.Int("attempted", attempted),
		logx.Int("skipped", skipped),
		logx.Int("armed", armed))

	if attempted > 0 && armed == 0 {
		return 0, ErrRescheduleFailed
	}
	return armed, nil
}

// DeferOneMinute overrides today's firing time for one alarm to now+1m.
// The recurrence rule is untouched: the override is recorded as a history
// annotation and a one-shot wake-up carrying the original identity. Future
// days fire at their normally computed instants.
func (s *Service) DeferOneMinute(ctx context.Context, alarmID int64) (time.Time, error) {
	def, ok, err := s.store.DefinitionByID(ctx, alarmID)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, ErrNotFound
	}

	now := s.now()
	fireAt := now.Add(time.Minute)
	logDate := now.In(s.loc).Format(alarm.DateLayout)
	fireTime := fireAt.In(s.loc).Format("15:04")

	_, exists, err := s.store.HistoryByAlarmAndDate(ctx, alarmID, logDate)
	if err != nil {
		return time.Time{}, err
	}
	if !exists {
		if _, err := s.store.InsertHistory(ctx, alarm.HistoryRecord{
			AlarmID: alarmID,
			LogDate: logDate,
			Status:  alarm.StatusNotAction,
		}); err != nil {
			return time.Time{}, fmt.Errorf("persist history row: %w", err)
		}
	}
	if err := s.store.SetDeferred(ctx, alarmID, logDate, fireTime, now); err != nil {
		return time.Time{}, fmt.Errorf("persist deferred annotation: %w", err)
	}

	if err := s.wake.Arm(alarmID, fireAt, waker.Payload{Label: def.Label, Repeat: def.Repeat}); err != nil {
		return time.Time{}, fmt.Errorf("arm deferred wake-up: %w", err)
	}
	metrics.DeferredTotal.Inc()
	metrics.WakeupsArmedTotal.Inc()

	s.publish(eventbus.TypeAlarmDeferred, DeferEvent{
		AlarmID: alarmID,
		Label:   def.Label,
		LogDate: logDate,
		FireAt:  fireAt,
	})
	s.log.Info("deferred one minute",
		logx.Int64("alarm_id", alarmID),
		logx.Time("fire_at", fireAt))
	return fireAt, nil
}

// armNext computes and arms the next trigger for def. A zero instant from
// the evaluator means "do not schedule" and surfaces as ErrNoTrigger.
func (s *Service) armNext(def alarm.Definition, now time.Time) error {
	next := alarm.NextTrigger(def, now, s.loc)
	if next.IsZero() {
		return fmt.Errorf("%w: alarm %d (%s)", ErrNoTrigger, def.ID, def.Repeat)
	}
	if err := s.wake.Arm(def.ID, next, waker.Payload{Label: def.Label, Repeat: def.Repeat}); err != nil {
		return fmt.Errorf("arm wake-up: %w", err)
	}
	metrics.WakeupsArmedTotal.Inc()
	s.log.Debug("wake-up armed",
		logx.Int64("alarm_id", def.ID),
		logx.Time("at", next))
	return nil
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
