package campaign

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// ParseSendTime validates an "HH:MM" preferred send time. Empty is allowed.
func ParseSendTime(s string) (hour, minute int, ok bool, err error) {
	if s == "" {
		return 0, 0, false, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, false, fmt.Errorf("%w: %q", ErrInvalidSendTime, s)
	}
	return t.Hour(), t.Minute(), true, nil
}

// NextRunAt returns when a step delayed by delayDays becomes due.
// With a preferred send time, steps delayed by at least one day are moved
// to that UTC wall-clock time on the target day.
func NextRunAt(now time.Time, delayDays int, preferredSendTime string) time.Time {
	at := now.Add(time.Duration(delayDays) * day)
	if delayDays < 1 {
		return at
	}
	h, m, ok, err := ParseSendTime(preferredSendTime)
	if err != nil || !ok {
		return at
	}
	at = at.UTC()
	return time.Date(at.Year(), at.Month(), at.Day(), h, m, 0, 0, time.UTC)
}
