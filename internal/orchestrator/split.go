package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"medalarmd/internal/alarm"
	"medalarmd/internal/metrics"
	logx "medalarmd/pkg/logx"
)

// Split-on-edit: changing a recurring schedule never rewrites history.
// The original definition is closed by setting its end date to the day
// before the cutover, and the new schedule is created as one or more fresh
// definitions effective from the cutover date. History rows before the
// cutover stay attached to the original id.

// TimeOfDay is one firing time within an alternating step.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// Step is one leg of an alternating cycle: DurationDays consecutive days,
// each firing at every listed time. An empty Label inherits the original's.
type Step struct {
	Label        string
	DurationDays int
	Times        []TimeOfDay
}

var (
	ErrNoSteps  = errors.New("orchestrator: alternating split requires at least one step")
	ErrBadStep  = errors.New("orchestrator: step needs a positive duration and at least one time")
	ErrInactive = errors.New("orchestrator: cannot split an inactive definition")
)

// SplitDaily changes a definition's firing time starting from the cutover
// date. The cutover is today when the new time has not yet passed, otherwise
// tomorrow. The original keeps firing (at its old time) only for dates
// before the cutover; the replacement inherits every other field and gets an
// unbounded end date.
func (s *Service) SplitDaily(ctx context.Context, id int64, hour, minute int) (alarm.Definition, error) {
	orig, ok, err := s.store.DefinitionByID(ctx, id)
	if err != nil {
		return alarm.Definition{}, err
	}
	if !ok {
		return alarm.Definition{}, ErrNotFound
	}
	if !orig.IsActive {
		return alarm.Definition{}, ErrInactive
	}

	next := orig
	next.ID = 0
	next.Hour = hour
	next.Minute = minute
	next.EndDate = time.Time{}
	if err := next.Validate(); err != nil {
		return alarm.Definition{}, err
	}

	cutover := s.cutoverDate(hour, minute)
	next.StartDate = cutover

	if err := s.closeAt(ctx, orig, cutover); err != nil {
		return alarm.Definition{}, err
	}

	newID, err := s.store.InsertDefinition(ctx, next)
	if err != nil {
		return alarm.Definition{}, fmt.Errorf("persist replacement: %w", err)
	}
	next.ID = newID
	if err := s.armNext(next, s.now()); err != nil {
		return next, err
	}
	metrics.SplitsTotal.WithLabelValues("daily").Inc()

	s.log.Info("daily split applied",
		logx.Int64("closed_id", orig.ID),
		logx.Int64("new_id", newID),
		logx.Time("cutover", cutover))
	return next, nil
}

// SplitAlternating replaces a definition with a multi-step cyclic pattern
// (e.g. two days of one dose, one day of another). The cycle is modeled as
// independent DAYS_INTERVAL definitions sharing the cycle length: one per
// (day offset within step, time-of-day), each starting at cutover+offset.
//
// The operation is best-effort and non-transactional: a failure partway
// leaves earlier definitions persisted and armed, and the aggregate error
// reports every leg that failed.
func (s *Service) SplitAlternating(ctx context.Context, id int64, steps []Step) ([]alarm.Definition, error) {
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	totalCycleDays := 0
	for _, st := range steps {
		if st.DurationDays < 1 || len(st.Times) == 0 {
			return nil, ErrBadStep
		}
		for _, tod := range st.Times {
			if tod.Hour < 0 || tod.Hour > 23 || tod.Minute < 0 || tod.Minute > 59 {
				return nil, alarm.ErrBadTime
			}
		}
		totalCycleDays += st.DurationDays
	}

	orig, ok, err := s.store.DefinitionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if !orig.IsActive {
		return nil, ErrInactive
	}

	first := steps[0].Times[0]
	cutover := s.cutoverDate(first.Hour, first.Minute)

	if err := s.closeAt(ctx, orig, cutover); err != nil {
		return nil, err
	}

	var (
		created []alarm.Definition
		errs    []error
		offset  int
	)
	for _, st := range steps {
		label := st.Label
		if label == "" {
			label = orig.Label
		}
		for dayOff := 0; dayOff < st.DurationDays; dayOff++ {
			for _, tod := range st.Times {
				def := alarm.Definition{
					Label:     label,
					Hour:      tod.Hour,
					Minute:    tod.Minute,
					Repeat:    alarm.RepeatDaysInterval,
					Interval:  totalCycleDays,
					StartDate: addCivilDays(cutover, offset+dayOff),
					IsActive:  true,
				}
				newID, err := s.store.InsertDefinition(ctx, def)
				if err != nil {
					errs = append(errs, fmt.Errorf("leg %s %02d:%02d: %w", label, tod.Hour, tod.Minute, err))
					continue
				}
				def.ID = newID
				if err := s.armNext(def, s.now()); err != nil {
					errs = append(errs, err)
				}
				created = append(created, def)
			}
		}
		offset += st.DurationDays
	}
	metrics.SplitsTotal.WithLabelValues("alternating").Inc()

	s.log.Info("alternating split applied",
		logx.Int64("closed_id", orig.ID),
		logx.Int("cycle_days", totalCycleDays),
		logx.Int("created", len(created)),
		logx.Int("failed", len(errs)))
	return created, errors.Join(errs...)
}

// cutoverDate picks the first civil date on which the new time can still
// fire: today when hour:minute is still ahead of now, otherwise tomorrow.
func (s *Service) cutoverDate(hour, minute int) time.Time {
	now := s.now().In(s.loc)
	y, m, d := now.Date()
	candidate := time.Date(y, m, d, hour, minute, 0, 0, s.loc)
	if now.Before(candidate) {
		return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	}
	return time.Date(y, m, d+1, 0, 0, 0, 0, s.loc)
}

// closeAt terminates the original definition the day before the cutover and
// drops its pending wake-up, which would otherwise fire past its window.
func (s *Service) closeAt(ctx context.Context, orig alarm.Definition, cutover time.Time) error {
	y, m, d := cutover.In(s.loc).Date()
	orig.EndDate = time.Date(y, m, d-1, 23, 59, 59, 0, s.loc)
	if err := s.store.UpdateDefinition(ctx, orig); err != nil {
		return fmt.Errorf("close original: %w", err)
	}
	s.wake.Disarm(orig.ID)
	return nil
}

func addCivilDays(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+n, 0, 0, 0, 0, t.Location())
}
