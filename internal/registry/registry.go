package registry

import (
	"context"
	"errors"
	"time"

	"medalarmd/internal/alarm"
)

var (
	// ErrNotFound is returned when a definition or history row is absent
	// and the caller asked for a guaranteed row.
	ErrNotFound = errors.New("registry: not found")
)

// Config configures the registry.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the persistence boundary for alarm definitions and their
// per-date history. The orchestrator is the only writer.
type Store interface {
	// Definitions.
	InsertDefinition(ctx context.Context, def alarm.Definition) (int64, error)
	UpdateDefinition(ctx context.Context, def alarm.Definition) error
	DefinitionByID(ctx context.Context, id int64) (alarm.Definition, bool, error)
	ActiveDefinitions(ctx context.Context) ([]alarm.Definition, error)
	SetActive(ctx context.Context, id int64, active bool) error
	DeleteDefinition(ctx context.Context, id int64) error
	// CountMatching is the duplicate probe: active rows with identical
	// (hour, minute, kind, interval, daysOfWeek). Label and the date
	// window are intentionally not part of the key.
	CountMatching(ctx context.Context, hour, minute int, kind alarm.RepeatKind, interval int, daysOfWeek []int) (int, error)

	// History.
	InsertHistory(ctx context.Context, rec alarm.HistoryRecord) (int64, error)
	UpdateHistory(ctx context.Context, rec alarm.HistoryRecord) error
	HistoryByAlarmAndDate(ctx context.Context, alarmID int64, logDate string) (alarm.HistoryRecord, bool, error)
	HistoryByDate(ctx context.Context, logDate string) ([]alarm.HistoryRecord, error)
	UpdateStatus(ctx context.Context, alarmID int64, logDate string, status alarm.TakeStatus, actionAt time.Time) error
	SetDeferred(ctx context.Context, alarmID int64, logDate, fireTime string, scheduledAt time.Time) error
	DeleteHistoryByAlarm(ctx context.Context, alarmID int64) error
	PruneHistoryBefore(ctx context.Context, logDate string) (int64, error)

	Close() error
}
