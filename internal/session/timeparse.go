package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"postbot/internal/publish"
)

// ParseScheduleTime understands the three operator input shapes:
//
//	15:30        today at 15:30, or tomorrow if already past
//	25.12 10:00  that date this year
//	+30 / +30m   N minutes from now
//
// The returned time is in now's location and always in the future.
func ParseScheduleTime(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, publish.Errorf(publish.KindScheduling, "parse_time", "empty schedule time")
	}

	var (
		due time.Time
		err error
	)
	switch {
	case strings.HasPrefix(raw, "+"):
		due, err = parseRelative(raw, now)
	case strings.Contains(raw, "."):
		due, err = parseDateTime(raw, now)
	default:
		due, err = parseClock(raw, now)
	}
	if err != nil {
		return time.Time{}, err
	}
	if !due.After(now) {
		return time.Time{}, publish.Errorf(publish.KindScheduling, "parse_time",
			"%s is in the past", due.Format("02.01.2006 15:04"))
	}
	return due, nil
}

func parseRelative(raw string, now time.Time) (time.Time, error) {
	digits := strings.TrimSuffix(strings.TrimPrefix(raw, "+"), "m")
	minutes, err := strconv.Atoi(digits)
	if err != nil || minutes <= 0 {
		return time.Time{}, badFormat(raw)
	}
	return now.Add(time.Duration(minutes) * time.Minute), nil
}

func parseDateTime(raw string, now time.Time) (time.Time, error) {
	parts := strings.Fields(raw)
	if len(parts) != 2 {
		return time.Time{}, badFormat(raw)
	}
	day, month, err := splitPair(parts[0], ".")
	if err != nil {
		return time.Time{}, badFormat(raw)
	}
	hour, minute, err := splitPair(parts[1], ":")
	if err != nil {
		return time.Time{}, badFormat(raw)
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
		return time.Time{}, badFormat(raw)
	}
	due := time.Date(now.Year(), time.Month(month), day, hour, minute, 0, 0, now.Location())
	// Reject rollover from impossible dates like 31.02.
	if due.Day() != day || due.Month() != time.Month(month) {
		return time.Time{}, badFormat(raw)
	}
	return due, nil
}

func parseClock(raw string, now time.Time) (time.Time, error) {
	hour, minute, err := splitPair(raw, ":")
	if err != nil || hour > 23 || minute > 59 {
		return time.Time{}, badFormat(raw)
	}
	due := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !due.After(now) {
		due = due.Add(24 * time.Hour)
	}
	return due, nil
}

func splitPair(s, sep string) (int, int, error) {
	a, b, ok := strings.Cut(s, sep)
	if !ok {
		return 0, 0, fmt.Errorf("missing %q", sep)
	}
	first, err := strconv.Atoi(a)
	if err != nil || first < 0 {
		return 0, 0, fmt.Errorf("bad number %q", a)
	}
	second, err := strconv.Atoi(b)
	if err != nil || second < 0 {
		return 0, 0, fmt.Errorf("bad number %q", b)
	}
	return first, second, nil
}

func badFormat(raw string) error {
	return publish.Errorf(publish.KindScheduling, "parse_time",
		"cannot parse %q, use HH:MM, DD.MM HH:MM or +N", raw)
}
