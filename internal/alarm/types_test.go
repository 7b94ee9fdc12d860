package alarm

import (
	"testing"
	"time"
)

func TestParseRepeatKindFailsClosed(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"NONE", "DAILY", "WEEKLY", "DAYS_INTERVAL"} {
		if _, err := ParseRepeatKind(ok); err != nil {
			t.Errorf("ParseRepeatKind(%q) error: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "daily", "MONTHLY", "NONE "} {
		if _, err := ParseRepeatKind(bad); err == nil {
			t.Errorf("ParseRepeatKind(%q) accepted unknown token", bad)
		}
	}
}

func TestParseTakeStatusFailsClosed(t *testing.T) {
	t.Parallel()
	if _, err := ParseTakeStatus("TAKEN"); err != nil {
		t.Fatalf("ParseTakeStatus(TAKEN) error: %v", err)
	}
	if _, err := ParseTakeStatus("CONSUMED"); err == nil {
		t.Fatal("expected error for unknown status token")
	}
}

func TestDefinitionValidate(t *testing.T) {
	t.Parallel()
	base := Definition{
		Label:     "vitamin d",
		Hour:      8,
		Minute:    30,
		Repeat:    RepeatDaily,
		Interval:  1,
		StartDate: date(2025, 1, 1),
		IsActive:  true,
	}

	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr error
	}{
		{"valid daily", func(d *Definition) {}, nil},
		{"hour out of range", func(d *Definition) { d.Hour = 24 }, ErrBadTime},
		{"minute out of range", func(d *Definition) { d.Minute = -1 }, ErrBadTime},
		{"weekly without days", func(d *Definition) { d.Repeat = RepeatWeekly; d.DaysOfWeek = nil }, ErrNoDaysOfWeek},
		{"weekly bad weekday", func(d *Definition) { d.Repeat = RepeatWeekly; d.DaysOfWeek = []int{7} }, ErrBadDayOfWeek},
		{"interval zero", func(d *Definition) { d.Repeat = RepeatDaysInterval; d.Interval = 0 }, ErrBadInterval},
		{"end before start", func(d *Definition) { d.EndDate = d.StartDate.Add(-24 * time.Hour) }, ErrEndBeforeStart},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d := base
			tt.mutate(&d)
			err := d.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Validate() error: %v", err)
			}
			if tt.wantErr != nil && err != tt.wantErr {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
