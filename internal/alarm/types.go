package alarm

import (
	"errors"
	"fmt"
	"time"
)

// RepeatKind selects how a definition recurs.
//
// The values are stable string tokens: they are persisted as-is and parsing
// fails closed on anything unknown.
type RepeatKind string

const (
	RepeatNone         RepeatKind = "NONE"
	RepeatDaily        RepeatKind = "DAILY"
	RepeatWeekly       RepeatKind = "WEEKLY"
	RepeatDaysInterval RepeatKind = "DAYS_INTERVAL"
)

// ParseRepeatKind maps a stored token back to a RepeatKind.
func ParseRepeatKind(s string) (RepeatKind, error) {
	switch RepeatKind(s) {
	case RepeatNone, RepeatDaily, RepeatWeekly, RepeatDaysInterval:
		return RepeatKind(s), nil
	}
	return "", fmt.Errorf("unknown repeat kind %q", s)
}

// TakeStatus is the user's response to one day's occurrence.
type TakeStatus string

const (
	StatusNotAction TakeStatus = "NOT_ACTION"
	StatusTaken     TakeStatus = "TAKEN"
	StatusSkipped   TakeStatus = "SKIPPED"
)

func ParseTakeStatus(s string) (TakeStatus, error) {
	switch TakeStatus(s) {
	case StatusNotAction, StatusTaken, StatusSkipped:
		return TakeStatus(s), nil
	}
	return "", fmt.Errorf("unknown take status %q", s)
}

// DateLayout is the calendar-date key format used for history rows.
const DateLayout = "2006-01-02"

// Definition is a user-authored reminder rule.
//
// Exactly one of Interval/DaysOfWeek is meaningful, selected by Repeat:
// Interval for DAYS_INTERVAL, DaysOfWeek for WEEKLY. A zero EndDate means
// the rule is unbounded. ID 0 means not yet persisted.
type Definition struct {
	ID     int64
	Label  string
	Hour   int
	Minute int

	Repeat     RepeatKind
	Interval   int   // days between occurrences (DAYS_INTERVAL)
	DaysOfWeek []int // 0=Sunday .. 6=Saturday (WEEKLY)

	StartDate time.Time
	EndDate   time.Time
	IsActive  bool
}

var (
	ErrBadTime        = errors.New("hour must be 0-23 and minute 0-59")
	ErrBadInterval    = errors.New("interval must be a positive day count")
	ErrNoDaysOfWeek   = errors.New("weekly repeat requires at least one weekday")
	ErrBadDayOfWeek   = errors.New("weekday numbers must be 0 (Sunday) to 6 (Saturday)")
	ErrEndBeforeStart = errors.New("end date must not precede start date")
)

// Validate rejects definitions the registry must never see.
func (d Definition) Validate() error {
	if d.Hour < 0 || d.Hour > 23 || d.Minute < 0 || d.Minute > 59 {
		return ErrBadTime
	}
	if _, err := ParseRepeatKind(string(d.Repeat)); err != nil {
		return err
	}
	switch d.Repeat {
	case RepeatWeekly:
		if len(d.DaysOfWeek) == 0 {
			return ErrNoDaysOfWeek
		}
		for _, dow := range d.DaysOfWeek {
			if dow < 0 || dow > 6 {
				return ErrBadDayOfWeek
			}
		}
	case RepeatDaysInterval:
		if d.Interval <= 0 {
			return ErrBadInterval
		}
	}
	if !d.EndDate.IsZero() && d.EndDate.Before(d.StartDate) {
		return ErrEndBeforeStart
	}
	return nil
}

// TimeOfDay returns minutes since midnight, the sort key for occurrence lists.
func (d Definition) TimeOfDay() int { return d.Hour*60 + d.Minute }

// HistoryRecord is one row per (alarm, calendar date) recording the outcome
// of that day's occurrence.
type HistoryRecord struct {
	ID      int64
	AlarmID int64
	LogDate string // DateLayout

	Status          TakeStatus
	ActionTimestamp time.Time // zero while Status == NOT_ACTION

	// Deferred "fire in one minute" annotation. The recurrence rule itself
	// is never touched by a deferred fire.
	DeferredFireTime    string // "HH:MM"
	DeferredScheduledAt time.Time
	IsDeferred          bool
}

// Occurrence joins a due definition with that date's history record.
type Occurrence struct {
	Definition Definition

	Status          TakeStatus
	ActionTimestamp time.Time

	DeferredFireTime    string
	DeferredScheduledAt time.Time
	IsDeferred          bool
}
