package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"medalarmd/internal/alarm"
	logx "medalarmd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite-backed registry, creating the database file
// and schema when absent.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("registry path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas. foreign_keys is required for the history cascade.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Definitions ----

func (s *sqliteStore) InsertDefinition(ctx context.Context, def alarm.Definition) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms(label, hour, minute, repeat_kind, repeat_interval, days_of_week, start_date, end_date, is_active)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		def.Label, def.Hour, def.Minute, string(def.Repeat), def.Interval,
		encodeDays(def.DaysOfWeek), def.StartDate.UnixMilli(), nullMillis(def.EndDate), def.IsActive,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) UpdateDefinition(ctx context.Context, def alarm.Definition) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alarms SET label=?, hour=?, minute=?, repeat_kind=?, repeat_interval=?, days_of_week=?, start_date=?, end_date=?, is_active=?
		 WHERE id=?`,
		def.Label, def.Hour, def.Minute, string(def.Repeat), def.Interval,
		encodeDays(def.DaysOfWeek), def.StartDate.UnixMilli(), nullMillis(def.EndDate), def.IsActive,
		def.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

const defColumns = `id, label, hour, minute, repeat_kind, repeat_interval, days_of_week, start_date, end_date, is_active`

func (s *sqliteStore) DefinitionByID(ctx context.Context, id int64) (alarm.Definition, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+defColumns+` FROM alarms WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alarm.Definition{}, false, nil
	}
	if err != nil {
		return alarm.Definition{}, false, err
	}
	return def, true, nil
}

func (s *sqliteStore) ActiveDefinitions(ctx context.Context) ([]alarm.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+defColumns+` FROM alarms WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alarm.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE alarms SET is_active = ? WHERE id = ?`, active, id)
	return err
}

func (s *sqliteStore) DeleteDefinition(ctx context.Context, id int64) error {
	// History rows go with it via ON DELETE CASCADE.
	_, err := s.db.ExecContext(ctx, `DELETE FROM alarms WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) CountMatching(ctx context.Context, hour, minute int, kind alarm.RepeatKind, interval int, daysOfWeek []int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alarms
		 WHERE is_active = 1
		   AND hour = ? AND minute = ?
		   AND repeat_kind = ? AND repeat_interval = ?
		   AND ((days_of_week IS NULL AND ? IS NULL) OR days_of_week = ?)`,
		hour, minute, string(kind), interval, encodeDays(daysOfWeek), encodeDays(daysOfWeek),
	).Scan(&n)
	return n, err
}

// ---- History ----

func (s *sqliteStore) InsertHistory(ctx context.Context, rec alarm.HistoryRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alarm_history(alarm_id, log_date, status, action_ts, deferred_fire_time, deferred_scheduled_at, is_deferred)
		 VALUES(?,?,?,?,?,?,?)`,
		rec.AlarmID, rec.LogDate, string(rec.Status), unixMillisOrZero(rec.ActionTimestamp),
		nullStr(rec.DeferredFireTime), nullMillis(rec.DeferredScheduledAt), rec.IsDeferred,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) UpdateHistory(ctx context.Context, rec alarm.HistoryRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alarm_history SET status=?, action_ts=?, deferred_fire_time=?, deferred_scheduled_at=?, is_deferred=?
		 WHERE alarm_id=? AND log_date=?`,
		string(rec.Status), unixMillisOrZero(rec.ActionTimestamp),
		nullStr(rec.DeferredFireTime), nullMillis(rec.DeferredScheduledAt), rec.IsDeferred,
		rec.AlarmID, rec.LogDate,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

const histColumns = `id, alarm_id, log_date, status, action_ts, deferred_fire_time, deferred_scheduled_at, is_deferred`

func (s *sqliteStore) HistoryByAlarmAndDate(ctx context.Context, alarmID int64, logDate string) (alarm.HistoryRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+histColumns+` FROM alarm_history WHERE alarm_id = ? AND log_date = ?`, alarmID, logDate)
	rec, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alarm.HistoryRecord{}, false, nil
	}
	if err != nil {
		return alarm.HistoryRecord{}, false, err
	}
	return rec, true, nil
}

func (s *sqliteStore) HistoryByDate(ctx context.Context, logDate string) ([]alarm.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+histColumns+` FROM alarm_history WHERE log_date = ? ORDER BY alarm_id`, logDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alarm.HistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, alarmID int64, logDate string, status alarm.TakeStatus, actionAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alarm_history SET status = ?, action_ts = ? WHERE alarm_id = ? AND log_date = ?`,
		string(status), unixMillisOrZero(actionAt), alarmID, logDate,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (s *sqliteStore) SetDeferred(ctx context.Context, alarmID int64, logDate, fireTime string, scheduledAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alarm_history SET deferred_fire_time = ?, deferred_scheduled_at = ?, is_deferred = 1
		 WHERE alarm_id = ? AND log_date = ?`,
		fireTime, scheduledAt.UnixMilli(), alarmID, logDate,
	)
	return err
}

func (s *sqliteStore) DeleteHistoryByAlarm(ctx context.Context, alarmID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alarm_history WHERE alarm_id = ?`, alarmID)
	return err
}

func (s *sqliteStore) PruneHistoryBefore(ctx context.Context, logDate string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alarm_history WHERE log_date < ?`, logDate)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- scanning & encoding ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(r rowScanner) (alarm.Definition, error) {
	var (
		def      alarm.Definition
		kind     string
		days     sql.NullString
		startMS  int64
		endMS    sql.NullInt64
		isActive bool
	)
	err := r.Scan(&def.ID, &def.Label, &def.Hour, &def.Minute, &kind, &def.Interval, &days, &startMS, &endMS, &isActive)
	if err != nil {
		return alarm.Definition{}, err
	}
	// Fail closed on tokens this build doesn't know.
	def.Repeat, err = alarm.ParseRepeatKind(kind)
	if err != nil {
		return alarm.Definition{}, fmt.Errorf("alarm %d: %w", def.ID, err)
	}
	if days.Valid {
		if err := json.Unmarshal([]byte(days.String), &def.DaysOfWeek); err != nil {
			return alarm.Definition{}, fmt.Errorf("alarm %d: days_of_week: %w", def.ID, err)
		}
	}
	def.StartDate = time.UnixMilli(startMS)
	if endMS.Valid {
		def.EndDate = time.UnixMilli(endMS.Int64)
	}
	def.IsActive = isActive
	return def, nil
}

func scanHistory(r rowScanner) (alarm.HistoryRecord, error) {
	var (
		rec         alarm.HistoryRecord
		status      string
		actionMS    int64
		fireTime    sql.NullString
		scheduledMS sql.NullInt64
	)
	err := r.Scan(&rec.ID, &rec.AlarmID, &rec.LogDate, &status, &actionMS, &fireTime, &scheduledMS, &rec.IsDeferred)
	if err != nil {
		return alarm.HistoryRecord{}, err
	}
	rec.Status, err = alarm.ParseTakeStatus(status)
	if err != nil {
		return alarm.HistoryRecord{}, fmt.Errorf("history %d: %w", rec.ID, err)
	}
	if actionMS != 0 {
		rec.ActionTimestamp = time.UnixMilli(actionMS)
	}
	rec.DeferredFireTime = fireTime.String
	if scheduledMS.Valid {
		rec.DeferredScheduledAt = time.UnixMilli(scheduledMS.Int64)
	}
	return rec, nil
}

// encodeDays serializes the weekday set as a canonical (sorted) JSON array,
// or NULL when absent, so duplicate probing compares stored values directly
// regardless of the order the caller listed the days in.
func encodeDays(days []int) any {
	if len(days) == 0 {
		return nil
	}
	sorted := append([]int(nil), days...)
	sort.Ints(sorted)
	b, err := json.Marshal(sorted)
	if err != nil {
		return nil
	}
	return string(b)
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func unixMillisOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
