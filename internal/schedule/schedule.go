// Package schedule holds the timing rules shared by the upload client and
// the ingestion server: the duration grammar used in configuration, the
// once-per-UTC-day submission gate, and jittered wait intervals.
package schedule

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/vnmchuo/usage-relay/internal/report"
)

var (
	// ErrInvalidDuration rejects anything outside <positive-integer><s|m|h|d>.
	ErrInvalidDuration = errors.New("schedule: invalid duration")
	// ErrInvalidConfig rejects a submit hour outside [0, 23].
	ErrInvalidConfig = errors.New("schedule: submit hour must be in [0, 23]")
)

// ParseDuration parses "<n><unit>" where unit is s, m, h, or d and n is a
// positive integer. "0h", "-2h", a bare number, or an unknown unit all fail.
func ParseDuration(text string) (time.Duration, error) {
	if len(text) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, text)
	}
	unit := text[len(text)-1]
	n, err := strconv.ParseInt(text[:len(text)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, text)
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, text)
	}
}

// DayKey formats t as the UTC calendar-date key.
func DayKey(t time.Time) string {
	return t.UTC().Format(report.DateLayout)
}

// ShouldRunDailySubmit reports whether a submission attempt is due: the UTC
// hour has reached submitHourUTC and today's date has not been submitted yet.
// Because lastSubmittedDate comes from persisted state, the gate holds across
// process restarts.
func ShouldRunDailySubmit(now time.Time, lastSubmittedDate string, submitHourUTC int) (bool, error) {
	if submitHourUTC < 0 || submitHourUTC > 23 {
		return false, fmt.Errorf("%w: got %d", ErrInvalidConfig, submitHourUTC)
	}
	utc := now.UTC()
	if utc.Hour() < submitHourUTC {
		return false, nil
	}
	return DayKey(utc) != lastSubmittedDate, nil
}

// WaitWithJitter returns base plus a uniform random addend in [0, jitter).
// A zero jitter returns base unchanged. Clients use this to decorrelate
// upload times across a fleet.
func WaitWithJitter(base, jitter time.Duration) (time.Duration, error) {
	if base <= 0 {
		return 0, fmt.Errorf("%w: base must be positive", ErrInvalidDuration)
	}
	if jitter < 0 {
		return 0, fmt.Errorf("%w: jitter must not be negative", ErrInvalidDuration)
	}
	if jitter == 0 {
		return base, nil
	}
	return base + time.Duration(rand.Int63n(int64(jitter))), nil
}
