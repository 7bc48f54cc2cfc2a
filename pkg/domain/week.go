package domain

import (
	"fmt"
	"time"
)

// DateLayout is the wire format for diary dates.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD diary date.
func ParseDate(date string) (time.Time, error) {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", date, err)
	}
	return t, nil
}

// YearWeekOf returns the ISO year-week identifier (YYYY-WW) for a diary date.
func YearWeekOf(date string) (string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-%02d", year, week), nil
}

// WeekDates lists the seven YYYY-MM-DD dates (Monday first) of the ISO week
// containing date.
func WeekDates(date string) ([]string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return nil, err
	}
	// Walk back to Monday.
	offset := (int(t.Weekday()) + 6) % 7
	monday := t.AddDate(0, 0, -offset)
	days := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		days = append(days, monday.AddDate(0, 0, i).Format(DateLayout))
	}
	return days, nil
}
