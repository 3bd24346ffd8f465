package store

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-date key format used for entries, replica file
// names, and cloud object keys.
const DateLayout = "2006-01-02"

// Date is a calendar date in YYYY-MM-DD form. The string form doubles as
// the storage key and sorts chronologically.
type Date string

// DateOf returns the Date for t in t's location.
func DateOf(t time.Time) Date {
	return Date(t.Format(DateLayout))
}

// Today returns the current local date.
func Today() Date {
	return DateOf(time.Now())
}

// ParseDate validates s as a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return string(d)
}

// Time returns the date at UTC midnight.
func (d Date) Time() time.Time {
	t, err := time.Parse(DateLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Year returns the calendar year, or 0 for a malformed date.
func (d Date) Year() int {
	return d.Time().Year()
}

// AddDays returns the date n days after d (n may be negative).
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}
