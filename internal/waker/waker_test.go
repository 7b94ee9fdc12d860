package waker

import (
	"sync"
	"testing"
	"time"

	"medalarmd/internal/alarm"
	logx "medalarmd/pkg/logx"
)

type fireRecorder struct {
	mu    sync.Mutex
	fired []int64
	ch    chan int64
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{ch: make(chan int64, 16)}
}

func (r *fireRecorder) fn(alarmID int64, _ time.Time, _ Payload) {
	r.mu.Lock()
	r.fired = append(r.fired, alarmID)
	r.mu.Unlock()
	r.ch <- alarmID
}

func (r *fireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func TestArmFires(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	s := New(Config{Exact: true}, rec.fn, logx.Nop())
	defer s.Stop()

	if err := s.Arm(7, time.Now().Add(20*time.Millisecond), Payload{Label: "aspirin", Repeat: alarm.RepeatDaily}); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	select {
	case id := <-rec.ch:
		if id != 7 {
			t.Fatalf("fired id = %d, want 7", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wake-up never fired")
	}

	if _, ok := s.Pending(7); ok {
		t.Fatal("fired wake-up still reported pending")
	}
}

func TestArmReplacesPending(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	s := New(Config{Exact: true}, rec.fn, logx.Nop())
	defer s.Stop()

	// First arm far out, then replace with a near instant. Only one fire
	// may be observed.
	if err := s.Arm(3, time.Now().Add(time.Hour), Payload{}); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := s.Arm(3, time.Now().Add(20*time.Millisecond), Payload{}); err != nil {
		t.Fatalf("re-Arm: %v", err)
	}
	if s.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1 (replace semantics)", s.PendingCount())
	}

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement wake-up never fired")
	}
	time.Sleep(50 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
}

func TestDisarmIsIdempotent(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	s := New(Config{Exact: true}, rec.fn, logx.Nop())
	defer s.Stop()

	if err := s.Arm(11, time.Now().Add(time.Hour), Payload{}); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	s.Disarm(11)
	s.Disarm(11) // second disarm must not panic or error
	s.Disarm(999)

	if s.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d after disarm", s.PendingCount())
	}
}

func TestVersionCounterNeverResets(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	s := New(Config{Exact: true}, rec.fn, logx.Nop())
	defer s.Stop()

	version := func(id int64) uint64 {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.ver[id]
	}

	// A Disarm (or an elapsed fire) must not hand a later Arm a version an
	// in-flight callback could still hold; the counter only moves forward.
	if err := s.Arm(5, time.Now().Add(time.Hour), Payload{}); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	before := version(5)
	s.Disarm(5)
	if err := s.Arm(5, time.Now().Add(time.Hour), Payload{}); err != nil {
		t.Fatalf("re-Arm: %v", err)
	}
	if after := version(5); after <= before {
		t.Fatalf("version after disarm/re-arm = %d, want > %d", after, before)
	}

	if err := s.Arm(6, time.Now().Add(10*time.Millisecond), Payload{}); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("wake-up never fired")
	}
	fired := version(6)
	if err := s.Arm(6, time.Now().Add(time.Hour), Payload{}); err != nil {
		t.Fatalf("Arm after fire: %v", err)
	}
	if after := version(6); after <= fired || after < 2 {
		t.Fatalf("version after fire/re-arm = %d, want > %d", after, fired)
	}
}

func TestPastInstantFiresImmediately(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	s := New(Config{Exact: true}, rec.fn, logx.Nop())
	defer s.Stop()

	if err := s.Arm(5, time.Now().Add(-time.Minute), Payload{}); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("past-instant wake-up never fired")
	}
}

func TestZeroInstantRejected(t *testing.T) {
	t.Parallel()
	s := New(Config{Exact: true}, nil, logx.Nop())
	defer s.Stop()
	if err := s.Arm(1, time.Time{}, Payload{}); err != ErrNoInstant {
		t.Fatalf("Arm(zero) = %v, want ErrNoInstant", err)
	}
}

func TestCoarseLaneStillSchedules(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	s := New(Config{Exact: false, CoarseGranularity: 30 * time.Millisecond}, rec.fn, logx.Nop())
	defer s.Stop()

	// Precision denied: the request degrades, it must not be dropped.
	if err := s.Arm(2, time.Now().Add(10*time.Millisecond), Payload{}); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("coarse-lane wake-up never fired")
	}
}

func TestStopDropsAllPending(t *testing.T) {
	t.Parallel()
	rec := newFireRecorder()
	s := New(Config{Exact: true}, rec.fn, logx.Nop())

	_ = s.Arm(1, time.Now().Add(time.Hour), Payload{})
	_ = s.Arm(2, time.Now().Add(time.Hour), Payload{})
	s.Stop()

	if s.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d after Stop", s.PendingCount())
	}
	if err := s.Arm(3, time.Now().Add(time.Hour), Payload{}); err != ErrStopped {
		t.Fatalf("Arm after Stop = %v, want ErrStopped", err)
	}
}

func TestRoundUp(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d, step, want time.Duration
	}{
		{90 * time.Second, time.Minute, 2 * time.Minute},
		{2 * time.Minute, time.Minute, 2 * time.Minute},
		{0, time.Minute, 0},
	}
	for _, tt := range tests {
		if got := roundUp(tt.d, tt.step); got != tt.want {
			t.Errorf("roundUp(%s, %s) = %s, want %s", tt.d, tt.step, got, tt.want)
		}
	}
}
