package alarm

import (
	"errors"
	"strings"
	"testing"
)

func TestParseSchedule_Valid(t *testing.T) {
	cases := []struct {
		in   string
		want Schedule
	}{
		{"daily 09:00", Schedule{Kind: KindDaily, Hour: 9, Minute: 0}},
		{"DAILY 23:59", Schedule{Kind: KindDaily, Hour: 23, Minute: 59}},
		{"  weekday 7:30 ", Schedule{Kind: KindWeekday, Hour: 7, Minute: 30}},
		{"every 2h", Schedule{Kind: KindInterval, IntervalMinutes: 120}},
		{"Every 1H", Schedule{Kind: KindInterval, IntervalMinutes: 60}},
		{"every 10m", Schedule{Kind: KindInterval, IntervalMinutes: 10}},
		{"every 45m", Schedule{Kind: KindInterval, IntervalMinutes: 45}},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseSchedule(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestParseSchedule_IntervalTooShort(t *testing.T) {
	for _, in := range []string{"every 5m", "every 9m", "every 0m", "every 0h"} {
		_, err := ParseSchedule(in)
		if !errors.Is(err, ErrIntervalTooShort) {
			t.Fatalf("ParseSchedule(%q): expected IntervalTooShort, got %v", in, err)
		}
	}
}

func TestParseSchedule_InvalidFormat(t *testing.T) {
	for _, in := range []string{"weekly 09:00", "daily 9", "every 2d", "every h", "", "daily 09:00 extra"} {
		_, err := ParseSchedule(in)
		if !errors.Is(err, ErrInvalidScheduleFormat) {
			t.Fatalf("ParseSchedule(%q): expected InvalidScheduleFormat, got %v", in, err)
		}
	}
}

func TestParseSchedule_OutOfRangeTime(t *testing.T) {
	for _, in := range []string{"daily 24:00", "weekday 12:60"} {
		_, err := ParseSchedule(in)
		if !errors.Is(err, ErrInvalidScheduleFormat) {
			t.Fatalf("ParseSchedule(%q): expected InvalidScheduleFormat, got %v", in, err)
		}
		if !strings.Contains(err.Error(), "잘못된 시간") {
			t.Fatalf("expected localized time message, got %q", err.Error())
		}
	}
}

func TestValidationError_KindsDoNotCrossMatch(t *testing.T) {
	_, err := ParseSchedule("every 5m")
	if errors.Is(err, ErrInvalidScheduleFormat) {
		t.Fatal("IntervalTooShort must not match InvalidScheduleFormat")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Kind != KindIntervalTooShort {
		t.Fatalf("expected *ValidationError of kind IntervalTooShort, got %#v", err)
	}
}

func TestSchedule_String(t *testing.T) {
	cases := map[Schedule]string{
		{Kind: KindDaily, Hour: 9}:                 "daily 09:00",
		{Kind: KindWeekday, Hour: 18, Minute: 5}:   "weekday 18:05",
		{Kind: KindInterval, IntervalMinutes: 120}: "every 2h",
		{Kind: KindInterval, IntervalMinutes: 90}:  "every 90m",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("%+v.String() = %q, want %q", s, got, want)
		}
	}
}
