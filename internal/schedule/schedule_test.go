package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseDuration_Valid(t *testing.T) {
	cases := map[string]time.Duration{
		"5h":  5 * time.Hour,
		"30s": 30 * time.Second,
		"10m": 10 * time.Minute,
		"2d":  48 * time.Hour,
		"1s":  time.Second,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil {
			t.Errorf("ParseDuration(%q) failed: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseDuration(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseDuration_Invalid(t *testing.T) {
	for _, in := range []string{"0h", "-2h", "12", "abc", "", "h", "1.5h", "5x", "5 h"} {
		if _, err := ParseDuration(in); !errors.Is(err, ErrInvalidDuration) {
			t.Errorf("ParseDuration(%q): expected ErrInvalidDuration, got %v", in, err)
		}
	}
}

func TestShouldRunDailySubmit(t *testing.T) {
	early := time.Date(2026, 2, 18, 1, 30, 0, 0, time.UTC)
	late := time.Date(2026, 2, 18, 3, 30, 0, 0, time.UTC)

	run, err := ShouldRunDailySubmit(early, "", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run {
		t.Error("Expected false before the submit hour")
	}

	run, err = ShouldRunDailySubmit(late, "", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !run {
		t.Error("Expected true after the submit hour with no prior submission")
	}

	run, err = ShouldRunDailySubmit(late, "2026-02-18", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run {
		t.Error("Expected false when today is already submitted")
	}

	// A prior day's submission does not block today.
	run, err = ShouldRunDailySubmit(late, "2026-02-17", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !run {
		t.Error("Expected true when last submission was a previous day")
	}
}

func TestShouldRunDailySubmit_UsesUTCDate(t *testing.T) {
	// 23:30 in UTC-5 is 04:30 UTC the next day.
	loc := time.FixedZone("UTC-5", -5*3600)
	local := time.Date(2026, 2, 17, 23, 30, 0, 0, loc)

	run, err := ShouldRunDailySubmit(local, "2026-02-17", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !run {
		t.Error("Expected true: UTC date is 2026-02-18, not yet submitted")
	}
}

func TestShouldRunDailySubmit_InvalidHour(t *testing.T) {
	for _, hour := range []int{-1, 24, 100} {
		if _, err := ShouldRunDailySubmit(time.Now(), "", hour); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("hour %d: expected ErrInvalidConfig, got %v", hour, err)
		}
	}
}

func TestWaitWithJitter(t *testing.T) {
	base := 4 * time.Hour
	jitter := time.Hour

	got, err := WaitWithJitter(base, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != base {
		t.Errorf("Expected base unchanged with zero jitter, got %v", got)
	}

	for i := 0; i < 100; i++ {
		got, err := WaitWithJitter(base, jitter)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got < base || got >= base+jitter {
			t.Fatalf("WaitWithJitter out of range: %v", got)
		}
	}
}

func TestWaitWithJitter_Invalid(t *testing.T) {
	if _, err := WaitWithJitter(0, time.Hour); err == nil {
		t.Error("Expected error for non-positive base")
	}
	if _, err := WaitWithJitter(-time.Hour, 0); err == nil {
		t.Error("Expected error for negative base")
	}
	if _, err := WaitWithJitter(time.Hour, -time.Second); err == nil {
		t.Error("Expected error for negative jitter")
	}
}

func TestDayKey(t *testing.T) {
	ts := time.Date(2026, 2, 18, 23, 59, 0, 0, time.FixedZone("UTC+9", 9*3600))
	if got := DayKey(ts); got != "2026-02-18" {
		t.Errorf("DayKey = %q, want 2026-02-18", got)
	}
}
