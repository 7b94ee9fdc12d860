package alarm

import "time"

// Recurrence evaluation. Pure calendar math; no side effects.
//
// All date comparisons are civil (day-granular) in the supplied location.
// Day-difference arithmetic is integer epoch-day subtraction and the start
// date itself counts as an occurrence day (day 0 is inclusive).

// IsDue reports whether the definition has an occurrence on the calendar
// date containing target (interpreted in loc).
func IsDue(def Definition, target time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	day := epochDay(target, loc)
	start := epochDay(def.StartDate, loc)

	if day < start {
		return false
	}
	if !def.EndDate.IsZero() && day > epochDay(def.EndDate, loc) {
		return false
	}

	switch def.Repeat {
	case RepeatNone:
		return day == start
	case RepeatDaily:
		return true
	case RepeatWeekly:
		if len(def.DaysOfWeek) == 0 {
			return false
		}
		dow := weekdayNumber(target, loc)
		for _, d := range def.DaysOfWeek {
			if d == dow {
				return true
			}
		}
		return false
	case RepeatDaysInterval:
		interval := def.Interval
		if interval < 1 {
			interval = 1
		}
		return (day-start)%interval == 0
	}
	return false
}

// NextTrigger computes the next wall-clock instant >= now at which the
// definition must fire. It returns the zero time when no instant can be
// computed (a WEEKLY rule without weekdays, or a definition whose end date
// is behind every future occurrence); callers must treat that as "do not
// schedule".
//
// One-shot (NONE) rules whose instant already passed roll forward to
// tomorrow rather than reporting exhaustion. That mirrors the firing path,
// which deactivates a NONE definition after it fires, so the forward roll
// only matters when a missed one-shot is still active.
func NextTrigger(def Definition, now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	next := nextInstant(def, now, loc)
	if next.IsZero() {
		return next
	}
	// The per-kind candidates are the earliest future occurrences, so one
	// falling past the end date means the rule is exhausted. Definitions
	// closed by a schedule split stay active for history but must never be
	// armed again.
	if !def.EndDate.IsZero() && epochDay(next, loc) > epochDay(def.EndDate, loc) {
		return time.Time{}
	}
	return next
}

// nextInstant is the per-kind candidate computation, ignoring the end date.
func nextInstant(def Definition, now time.Time, loc *time.Location) time.Time {
	today := now.In(loc)

	switch def.Repeat {
	case RepeatNone:
		candidate := atTimeOfDay(def.StartDate.In(loc), def.Hour, def.Minute, loc)
		if !candidate.After(now) {
			return atTimeOfDay(addDays(today, 1), def.Hour, def.Minute, loc)
		}
		return candidate

	case RepeatDaily:
		candidate := atTimeOfDay(today, def.Hour, def.Minute, loc)
		if !now.Before(candidate) {
			return atTimeOfDay(addDays(today, 1), def.Hour, def.Minute, loc)
		}
		return candidate

	case RepeatWeekly:
		if len(def.DaysOfWeek) == 0 {
			return time.Time{}
		}
		if containsInt(def.DaysOfWeek, weekdayNumber(today, loc)) {
			candidate := atTimeOfDay(today, def.Hour, def.Minute, loc)
			if now.Before(candidate) {
				return candidate
			}
		}
		for i := 1; i <= 7; i++ {
			next := addDays(today, i)
			if containsInt(def.DaysOfWeek, weekdayNumber(next, loc)) {
				return atTimeOfDay(next, def.Hour, def.Minute, loc)
			}
		}
		return time.Time{}

	case RepeatDaysInterval:
		interval := def.Interval
		if interval < 1 {
			interval = 1
		}
		start := def.StartDate.In(loc)
		daysDiff := epochDay(now, loc) - epochDay(def.StartDate, loc)

		if daysDiff >= 0 && daysDiff%interval == 0 {
			candidate := atTimeOfDay(today, def.Hour, def.Minute, loc)
			if now.Before(candidate) {
				return candidate
			}
		}
		nextDiff := 0
		if daysDiff >= 0 {
			nextDiff = ((daysDiff / interval) + 1) * interval
		}
		return atTimeOfDay(addDays(start, nextDiff), def.Hour, def.Minute, loc)
	}

	return time.Time{}
}

// epochDay returns the number of days since 1970-01-01 for the civil date
// containing t in loc.
func epochDay(t time.Time, loc *time.Location) int {
	y, m, d := t.In(loc).Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

// weekdayNumber returns 0=Sunday .. 6=Saturday for t's date in loc.
func weekdayNumber(t time.Time, loc *time.Location) int {
	return int(t.In(loc).Weekday())
}

// atTimeOfDay pins hour:minute onto t's civil date in loc.
func atTimeOfDay(t time.Time, hour, minute int, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, loc)
}

// addDays shifts t by n civil days (time.Date normalizes across month and
// DST boundaries).
func addDays(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+n, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
