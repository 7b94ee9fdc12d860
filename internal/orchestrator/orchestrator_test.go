package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"medalarmd/internal/alarm"
	"medalarmd/internal/registry"
	"medalarmd/internal/waker"
	logx "medalarmd/pkg/logx"
)

// fakeStore is an in-memory registry.Store for orchestrator tests.
type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	defs   map[int64]alarm.Definition
	hist   map[string]alarm.HistoryRecord

	failInsert bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		defs: map[int64]alarm.Definition{},
		hist: map[string]alarm.HistoryRecord{},
	}
}

func histKey(alarmID int64, logDate string) string {
	return fmt.Sprintf("%d|%s", alarmID, logDate)
}

func (f *fakeStore) InsertDefinition(_ context.Context, def alarm.Definition) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert {
		return 0, errors.New("fake: insert refused")
	}
	f.nextID++
	def.ID = f.nextID
	f.defs[def.ID] = def
	return def.ID, nil
}

func (f *fakeStore) UpdateDefinition(_ context.Context, def alarm.Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defs[def.ID]; !ok {
		return registry.ErrNotFound
	}
	f.defs[def.ID] = def
	return nil
}

func (f *fakeStore) DefinitionByID(_ context.Context, id int64) (alarm.Definition, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.defs[id]
	return def, ok, nil
}

func (f *fakeStore) ActiveDefinitions(_ context.Context) ([]alarm.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []alarm.Definition
	for _, d := range f.defs {
		if d.IsActive {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) SetActive(_ context.Context, id int64, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.defs[id]
	if !ok {
		return registry.ErrNotFound
	}
	def.IsActive = active
	f.defs[id] = def
	return nil
}

func (f *fakeStore) DeleteDefinition(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defs[id]; !ok {
		return registry.ErrNotFound
	}
	delete(f.defs, id)
	for k, h := range f.hist {
		if h.AlarmID == id {
			delete(f.hist, k)
		}
	}
	return nil
}

func (f *fakeStore) CountMatching(_ context.Context, hour, minute int, kind alarm.RepeatKind, interval int, daysOfWeek []int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.defs {
		if !d.IsActive || d.Hour != hour || d.Minute != minute || d.Repeat != kind || d.Interval != interval {
			continue
		}
		if len(d.DaysOfWeek) != len(daysOfWeek) {
			continue
		}
		// Day order never matters, matching the registry's canonical form.
		have := append([]int(nil), d.DaysOfWeek...)
		want := append([]int(nil), daysOfWeek...)
		sort.Ints(have)
		sort.Ints(want)
		same := true
		for i := range want {
			if have[i] != want[i] {
				same = false
				break
			}
		}
		if same {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) InsertHistory(_ context.Context, rec alarm.HistoryRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := histKey(rec.AlarmID, rec.LogDate)
	if _, ok := f.hist[k]; ok {
		return 0, errors.New("fake: unique (alarm, date) violated")
	}
	f.nextID++
	rec.ID = f.nextID
	f.hist[k] = rec
	return rec.ID, nil
}

func (f *fakeStore) UpdateHistory(_ context.Context, rec alarm.HistoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := histKey(rec.AlarmID, rec.LogDate)
	if _, ok := f.hist[k]; !ok {
		return registry.ErrNotFound
	}
	f.hist[k] = rec
	return nil
}

func (f *fakeStore) HistoryByAlarmAndDate(_ context.Context, alarmID int64, logDate string) (alarm.HistoryRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.hist[histKey(alarmID, logDate)]
	return rec, ok, nil
}

func (f *fakeStore) HistoryByDate(_ context.Context, logDate string) ([]alarm.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []alarm.HistoryRecord
	for _, h := range f.hist {
		if h.LogDate == logDate {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, alarmID int64, logDate string, status alarm.TakeStatus, actionAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := histKey(alarmID, logDate)
	rec, ok := f.hist[k]
	if !ok {
		return registry.ErrNotFound
	}
	rec.Status = status
	rec.ActionTimestamp = actionAt
	f.hist[k] = rec
	return nil
}

func (f *fakeStore) SetDeferred(_ context.Context, alarmID int64, logDate, fireTime string, scheduledAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := histKey(alarmID, logDate)
	rec, ok := f.hist[k]
	if !ok {
		return registry.ErrNotFound
	}
	rec.DeferredFireTime = fireTime
	rec.DeferredScheduledAt = scheduledAt
	rec.IsDeferred = true
	f.hist[k] = rec
	return nil
}

func (f *fakeStore) DeleteHistoryByAlarm(_ context.Context, alarmID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, h := range f.hist {
		if h.AlarmID == alarmID {
			delete(f.hist, k)
		}
	}
	return nil
}

func (f *fakeStore) PruneHistoryBefore(_ context.Context, logDate string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, h := range f.hist {
		if h.LogDate < logDate {
			delete(f.hist, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Close() error { return nil }

// fakeWaker records arm/disarm calls.
type fakeWaker struct {
	mu       sync.Mutex
	armed    map[int64]time.Time
	disarmed int
	armErr   error
}

func newFakeWaker() *fakeWaker {
	return &fakeWaker{armed: map[int64]time.Time{}}
}

func (w *fakeWaker) Arm(alarmID int64, at time.Time, _ waker.Payload) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.armErr != nil {
		return w.armErr
	}
	w.armed[alarmID] = at
	return nil
}

func (w *fakeWaker) Disarm(alarmID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.armed, alarmID)
	w.disarmed++
}

func (w *fakeWaker) armedAt(alarmID int64) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.armed[alarmID]
	return at, ok
}

func newTestService(now time.Time) (*Service, *fakeStore, *fakeWaker) {
	st := newFakeStore()
	w := newFakeWaker()
	s := New(st, w, nil, time.UTC, logx.Nop())
	s.now = func() time.Time { return now }
	return s, st, w
}

func TestCreateArmsNextTrigger(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s, _, w := newTestService(now)

	def, err := s.Create(context.Background(), alarm.Definition{
		Label:     "aspirin",
		Hour:      9,
		Repeat:    alarm.RepeatDaily,
		Interval:  1,
		StartDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		IsActive:  true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// 09:00 today already passed; the first wake-up lands tomorrow.
	want := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	at, ok := w.armedAt(def.ID)
	if !ok {
		t.Fatal("nothing armed after create")
	}
	if !at.Equal(want) {
		t.Fatalf("armed at %s, want %s", at, want)
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	s, _, _ := newTestService(now)
	ctx := context.Background()

	base := alarm.Definition{
		Label:     "vitamin d",
		Hour:      9,
		Minute:    30,
		Repeat:    alarm.RepeatWeekly,
		DaysOfWeek: []int{1, 3, 5},
		StartDate: now,
		IsActive:  true,
	}
	if _, err := s.Create(ctx, base); err != nil {
		t.Fatalf("first Create: %v", err)
	}

	// Different label and window, same scheduling identity.
	dup := base
	dup.Label = "something else"
	dup.StartDate = now.AddDate(0, 1, 0)
	if _, err := s.Create(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Create = %v, want ErrDuplicate", err)
	}

	// Any key-field change bypasses the probe.
	changed := base
	changed.Minute = 31
	if _, err := s.Create(ctx, changed); err != nil {
		t.Fatalf("changed-minute Create = %v, want success", err)
	}
}

func TestCreateValidates(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))

	_, err := s.Create(context.Background(), alarm.Definition{
		Hour: 25, Repeat: alarm.RepeatDaily, IsActive: true,
	})
	if !errors.Is(err, alarm.ErrBadTime) {
		t.Fatalf("Create(bad hour) = %v, want ErrBadTime", err)
	}

	_, err = s.Create(context.Background(), alarm.Definition{
		Hour: 9, Repeat: alarm.RepeatWeekly, IsActive: true,
	})
	if !errors.Is(err, alarm.ErrNoDaysOfWeek) {
		t.Fatalf("Create(weekly, no days) = %v, want ErrNoDaysOfWeek", err)
	}
}

func TestFireThenStatusScenario(t *testing.T) {
	t.Parallel()
	// Create DAILY 09:00 starting 2025-06-01; now is 10:00 the same day.
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s, st, w := newTestService(now)
	ctx := context.Background()

	def, err := s.Create(ctx, alarm.Definition{
		Label:     "metformin",
		Hour:      9,
		Repeat:    alarm.RepeatDaily,
		Interval:  1,
		StartDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		IsActive:  true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.UpdateStatus(ctx, def.ID, "2025-06-01", alarm.StatusTaken); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	rec, ok, _ := st.HistoryByAlarmAndDate(ctx, def.ID, "2025-06-01")
	if !ok || rec.Status != alarm.StatusTaken {
		t.Fatalf("history = %+v (ok=%v), want TAKEN", rec, ok)
	}
	if rec.ActionTimestamp.IsZero() {
		t.Fatal("TAKEN row has zero action timestamp")
	}

	// Re-arm lands on tomorrow 09:00, unchanged from the create-time arm.
	want := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if at, _ := w.armedAt(def.ID); !at.Equal(want) {
		t.Fatalf("re-armed at %s, want %s", at, want)
	}
}

func TestHandleFireCreatesHistoryAndRearms(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	s, st, w := newTestService(now)
	ctx := context.Background()

	def, err := s.Create(ctx, alarm.Definition{
		Label: "evening dose", Hour: 21, Repeat: alarm.RepeatDaily, Interval: 1,
		StartDate: now, IsActive: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	firedAt := time.Date(2025, 6, 1, 21, 0, 0, 0, time.UTC)
	s.HandleFire(def.ID, firedAt, waker.Payload{Label: def.Label, Repeat: def.Repeat})

	rec, ok, _ := st.HistoryByAlarmAndDate(ctx, def.ID, "2025-06-01")
	if !ok {
		t.Fatal("fire did not create a history row")
	}
	if rec.Status != alarm.StatusNotAction {
		t.Fatalf("fresh row status = %s, want NOT_ACTION", rec.Status)
	}

	want := time.Date(2025, 6, 2, 21, 0, 0, 0, time.UTC)
	if at, _ := w.armedAt(def.ID); !at.Equal(want) {
		t.Fatalf("re-armed at %s, want %s", at, want)
	}
}

func TestOneShotDeactivatesAfterFire(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	s, st, w := newTestService(now)
	ctx := context.Background()

	def, err := s.Create(ctx, alarm.Definition{
		Label: "one-off", Hour: 9, Repeat: alarm.RepeatNone,
		StartDate: now, IsActive: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	firedAt := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	w.Disarm(def.ID) // the waker consumed the wake-up by firing
	s.HandleFire(def.ID, firedAt, waker.Payload{Label: def.Label, Repeat: def.Repeat})

	got, _, _ := st.DefinitionByID(ctx, def.ID)
	if got.IsActive {
		t.Fatal("one-shot still active after firing")
	}
	if _, ok := w.armedAt(def.ID); ok {
		t.Fatal("one-shot re-armed after firing")
	}

	// A second fire for the now-inactive id is dropped.
	s.HandleFire(def.ID, firedAt.Add(time.Minute), waker.Payload{})
	if _, ok := w.armedAt(def.ID); ok {
		t.Fatal("inactive alarm was re-armed")
	}
}

func TestUpdateStatusUpsertsRow(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, st, _ := newTestService(now)
	ctx := context.Background()

	def, err := s.Create(ctx, alarm.Definition{
		Label: "iron", Hour: 22, Repeat: alarm.RepeatDaily, Interval: 1,
		StartDate: now, IsActive: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// No fire happened yet for this date; the status write creates the row.
	if err := s.UpdateStatus(ctx, def.ID, "2025-06-01", alarm.StatusSkipped); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	rec, ok, _ := st.HistoryByAlarmAndDate(ctx, def.ID, "2025-06-01")
	if !ok || rec.Status != alarm.StatusSkipped {
		t.Fatalf("history = %+v (ok=%v), want SKIPPED", rec, ok)
	}

	if err := s.UpdateStatus(ctx, 9999, "2025-06-01", alarm.StatusTaken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateStatus(absent alarm) = %v, want ErrNotFound", err)
	}
	if err := s.UpdateStatus(ctx, def.ID, "June 1st", alarm.StatusTaken); err == nil {
		t.Fatal("malformed log date accepted")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	s, st, w := newTestService(now)
	ctx := context.Background()

	def, err := s.Create(ctx, alarm.Definition{
		Label: "calcium", Hour: 9, Repeat: alarm.RepeatDaily, Interval: 1,
		StartDate: now, IsActive: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Cancel(ctx, def.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := s.Cancel(ctx, def.ID); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}

	got, _, _ := st.DefinitionByID(ctx, def.ID)
	if got.IsActive {
		t.Fatal("cancelled alarm still active")
	}
	if _, ok := w.armedAt(def.ID); ok {
		t.Fatal("cancelled alarm still armed")
	}
}

func TestDeleteCascadesAndDisarms(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	s, st, w := newTestService(now)
	ctx := context.Background()

	def, _ := s.Create(ctx, alarm.Definition{
		Label: "zinc", Hour: 9, Repeat: alarm.RepeatDaily, Interval: 1,
		StartDate: now, IsActive: true,
	})
	if err := s.UpdateStatus(ctx, def.ID, "2025-06-01", alarm.StatusTaken); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if err := s.Delete(ctx, def.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := st.DefinitionByID(ctx, def.ID); ok {
		t.Fatal("definition survived delete")
	}
	if rows, _ := st.HistoryByDate(ctx, "2025-06-01"); len(rows) != 0 {
		t.Fatalf("history survived delete: %+v", rows)
	}
	if _, ok := w.armedAt(def.ID); ok {
		t.Fatal("deleted alarm still armed")
	}
}

func TestDeferOneMinute(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 8, 59, 0, 0, time.UTC)
	s, st, w := newTestService(now)
	ctx := context.Background()

	def, _ := s.Create(ctx, alarm.Definition{
		Label: "insulin", Hour: 9, Repeat: alarm.RepeatDaily, Interval: 1,
		StartDate: now, IsActive: true,
	})

	fireAt, err := s.DeferOneMinute(ctx, def.ID)
	if err != nil {
		t.Fatalf("DeferOneMinute: %v", err)
	}
	if want := now.Add(time.Minute); !fireAt.Equal(want) {
		t.Fatalf("fireAt = %s, want %s", fireAt, want)
	}

	rec, ok, _ := st.HistoryByAlarmAndDate(ctx, def.ID, "2025-06-01")
	if !ok || !rec.IsDeferred {
		t.Fatalf("deferred annotation missing: %+v (ok=%v)", rec, ok)
	}
	if rec.DeferredFireTime != "09:00" {
		t.Fatalf("deferred fire time = %q, want 09:00", rec.DeferredFireTime)
	}
	if rec.Status != alarm.StatusNotAction {
		t.Fatalf("defer changed status to %s", rec.Status)
	}

	// The deferred wake-up replaces the pending one under the same identity.
	if at, _ := w.armedAt(def.ID); !at.Equal(fireAt) {
		t.Fatalf("armed at %s, want %s", at, fireAt)
	}

	// The rule itself is untouched: tomorrow still computes 09:00.
	got, _, _ := st.DefinitionByID(ctx, def.ID)
	next := alarm.NextTrigger(got, now.Add(2*time.Hour), time.UTC)
	if want := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next trigger after defer = %s, want %s", next, want)
	}

	if _, err := s.DeferOneMinute(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeferOneMinute(absent) = %v, want ErrNotFound", err)
	}
}

func TestRescheduleAllActive(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	s, st, w := newTestService(now)
	ctx := context.Background()

	if _, err := s.Create(ctx, alarm.Definition{
		Label: "a", Hour: 9, Repeat: alarm.RepeatDaily, Interval: 1,
		StartDate: now, IsActive: true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, alarm.Definition{
		Label: "b", Hour: 10, Repeat: alarm.RepeatDaily, Interval: 1,
		StartDate: now, IsActive: true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// A weekly row with no weekdays can exist only from legacy data; it must
	// not abort the batch.
	badID, _ := st.InsertDefinition(ctx, alarm.Definition{
		Label: "legacy", Hour: 7, Repeat: alarm.RepeatWeekly, IsActive: true,
	})

	n, err := s.RescheduleAllActive(ctx)
	if err != nil {
		t.Fatalf("RescheduleAllActive: %v", err)
	}
	if n != 2 {
		t.Fatalf("armed %d, want 2 (partial success)", n)
	}
	if _, ok := w.armedAt(badID); ok {
		t.Fatal("unschedulable definition was armed")
	}
}

func TestRescheduleAllActiveTotalFailure(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	s, _, w := newTestService(now)
	ctx := context.Background()

	if _, err := s.Create(ctx, alarm.Definition{
		Label: "a", Hour: 9, Repeat: alarm.RepeatDaily, Interval: 1,
		StartDate: now, IsActive: true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	w.mu.Lock()
	w.armErr = errors.New("fake: scheduler down")
	w.mu.Unlock()

	if _, err := s.RescheduleAllActive(ctx); !errors.Is(err, ErrRescheduleFailed) {
		t.Fatalf("RescheduleAllActive = %v, want ErrRescheduleFailed", err)
	}
}

func TestRescheduleAllActiveEmptyIsSuccess(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	n, err := s.RescheduleAllActive(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("RescheduleAllActive(empty) = %d, %v; want 0, nil", n, err)
	}
}

func TestRescheduleSkipsClosedDefinitions(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)
	s, st, w := newTestService(now)
	ctx := context.Background()

	open, err := s.Create(ctx, alarm.Definition{
		Label: "current dose", Hour: 9, Repeat: alarm.RepeatDaily, Interval: 1,
		StartDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), IsActive: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// A definition closed by a schedule split: still active so its history
	// renders, but its window ended days ago.
	closedID, err := st.InsertDefinition(ctx, alarm.Definition{
		Label: "old dose", Hour: 9, Minute: 30, Repeat: alarm.RepeatDaily, Interval: 1,
		StartDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 6, 10, 23, 59, 59, 0, time.UTC),
		IsActive:  true,
	})
	if err != nil {
		t.Fatalf("InsertDefinition: %v", err)
	}

	n, err := s.RescheduleAllActive(ctx)
	if err != nil {
		t.Fatalf("RescheduleAllActive: %v", err)
	}
	if n != 1 {
		t.Fatalf("armed %d, want 1", n)
	}
	if _, ok := w.armedAt(closedID); ok {
		t.Fatal("definition past its end date was re-armed")
	}
	if _, ok := w.armedAt(open.ID); !ok {
		t.Fatal("open definition was not armed")
	}

	// A batch containing only closed definitions is not a failure.
	if err := s.Cancel(ctx, open.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := st.SetActive(ctx, closedID, true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if n, err := s.RescheduleAllActive(ctx); err != nil || n != 0 {
		t.Fatalf("RescheduleAllActive(closed only) = %d, %v; want 0, nil", n, err)
	}
}

func TestFireOnLastDayDoesNotRearm(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	s, st, w := newTestService(now)
	ctx := context.Background()

	id, err := st.InsertDefinition(ctx, alarm.Definition{
		Label: "old dose", Hour: 9, Repeat: alarm.RepeatDaily, Interval: 1,
		StartDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 6, 10, 23, 59, 59, 0, time.UTC),
		IsActive:  true,
	})
	if err != nil {
		t.Fatalf("InsertDefinition: %v", err)
	}

	s.HandleFire(id, now, waker.Payload{Label: "old dose", Repeat: alarm.RepeatDaily})

	if _, ok := w.armedAt(id); ok {
		t.Fatal("exhausted definition was re-armed after its last firing")
	}
	// The last occurrence itself is still recorded and actionable.
	rec, ok, err := st.HistoryByAlarmAndDate(ctx, id, "2025-06-10")
	if err != nil || !ok {
		t.Fatalf("history row missing: ok=%v err=%v", ok, err)
	}
	if rec.Status != alarm.StatusNotAction {
		t.Fatalf("status = %s, want NOT_ACTION", rec.Status)
	}
	if err := s.UpdateStatus(ctx, id, "2025-06-10", alarm.StatusTaken); err != nil {
		t.Fatalf("UpdateStatus on closed definition: %v", err)
	}
	if _, ok := w.armedAt(id); ok {
		t.Fatal("status update re-armed an exhausted definition")
	}
}

func TestOccurrencesForDate(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
	s, _, _ := newTestService(now)
	ctx := context.Background()

	evening, _ := s.Create(ctx, alarm.Definition{
		Label: "evening", Hour: 21, Repeat: alarm.RepeatDaily, Interval: 1,
		StartDate: now, IsActive: true,
	})
	morning, _ := s.Create(ctx, alarm.Definition{
		Label: "morning", Hour: 8, Minute: 30, Repeat: alarm.RepeatDaily, Interval: 1,
		StartDate: now, IsActive: true,
	})
	// Weekly on Monday only: 2025-06-01 is a Sunday, so not due today.
	if _, err := s.Create(ctx, alarm.Definition{
		Label: "monday only", Hour: 12, Repeat: alarm.RepeatWeekly,
		DaysOfWeek: []int{1}, StartDate: now, IsActive: true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.UpdateStatus(ctx, morning.ID, "2025-06-01", alarm.StatusTaken); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	occs, err := s.OccurrencesForDate(ctx, now)
	if err != nil {
		t.Fatalf("OccurrencesForDate: %v", err)
	}
	if len(occs) != 2 {
		t.Fatalf("got %d occurrences, want 2: %+v", len(occs), occs)
	}
	// Ascending by time-of-day.
	if occs[0].Definition.ID != morning.ID || occs[1].Definition.ID != evening.ID {
		t.Fatalf("wrong order: %d then %d", occs[0].Definition.ID, occs[1].Definition.ID)
	}
	if occs[0].Status != alarm.StatusTaken {
		t.Fatalf("morning status = %s, want TAKEN", occs[0].Status)
	}
	if occs[1].Status != alarm.StatusNotAction {
		t.Fatalf("evening status = %s, want NOT_ACTION", occs[1].Status)
	}
}
