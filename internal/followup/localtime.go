package followup

import (
	"fmt"
	"time"
)

// LocalFields are the wall-clock calendar fields of an instant in a given zone.
type LocalFields struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int
	Minute int
}

// LocalFieldsAt converts an instant to calendar fields in loc.
func LocalFieldsAt(t time.Time, loc *time.Location) LocalFields {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return LocalFields{
		Year:   lt.Year(),
		Month:  lt.Month(),
		Day:    lt.Day(),
		Hour:   lt.Hour(),
		Minute: lt.Minute(),
	}
}

// DateKey is a canonical YYYY-MM-DD calendar date.
type DateKey string

// DateKey returns the calendar date of f.
func (f LocalFields) DateKey() DateKey {
	return DateKey(fmt.Sprintf("%04d-%02d-%02d", f.Year, int(f.Month), f.Day))
}

// ParseDateKey validates s as a YYYY-MM-DD date.
func ParseDateKey(s string) (DateKey, error) {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return "", fmt.Errorf("followup: parse date key %q: %w", s, err)
	}
	return DateKey(d.Format(time.DateOnly)), nil
}

// AddDays shifts a date key by delta calendar days. The arithmetic is done on a
// UTC-anchored date, so DST transitions in any zone cannot skip or repeat a day.
func AddDays(key DateKey, delta int) (DateKey, error) {
	d, err := time.Parse(time.DateOnly, string(key))
	if err != nil {
		return "", fmt.Errorf("followup: add days to %q: %w", key, err)
	}
	return DateKey(d.AddDate(0, 0, delta).Format(time.DateOnly)), nil
}

// TomorrowKey is the calendar date after the one f falls on.
func TomorrowKey(f LocalFields) DateKey {
	d := time.Date(f.Year, f.Month, f.Day+1, 0, 0, 0, 0, time.UTC)
	return DateKey(d.Format(time.DateOnly))
}

// DateKeyOf is the calendar date of t as seen in loc.
func DateKeyOf(t time.Time, loc *time.Location) DateKey {
	return LocalFieldsAt(t, loc).DateKey()
}
