// Package calendar provides a date-only value used for all day-granular windowing.
package calendar

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Layout is the storage and wire format for dates (YYYY-MM-DD)
const Layout = "2006-01-02"

// Date is a calendar day with no time-of-day or zone. The zero value is "no date".
type Date struct {
	t time.Time // always midnight UTC
}

// New returns the date for the given year, month and day
func New(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// FromTime returns the calendar day of t in t's own location
func FromTime(t time.Time) Date {
	y, m, d := t.Date()
	return New(y, m, d)
}

// Today returns the current local date
func Today() Date {
	return FromTime(time.Now())
}

// Parse parses a YYYY-MM-DD string
func Parse(s string) (Date, error) {
	t, err := time.Parse(Layout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return Date{t: t}, nil
}

// MustParse is Parse for constants and tests
func MustParse(s string) Date {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// IsZero reports whether d is the zero date
func (d Date) IsZero() bool { return d.t.IsZero() }

// Time returns midnight UTC of d
func (d Date) Time() time.Time { return d.t }

// String formats d as YYYY-MM-DD
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(Layout)
}

// AddDays returns d shifted by n days
func (d Date) AddDays(n int) Date {
	return Date{t: d.t.AddDate(0, 0, n)}
}

// DaysSince returns the number of days from o to d (positive when d is later)
func (d Date) DaysSince(o Date) int {
	return int(d.t.Sub(o.t).Hours() / 24)
}

func (d Date) Before(o Date) bool { return d.t.Before(o.t) }
func (d Date) After(o Date) bool  { return d.t.After(o.t) }
func (d Date) Equal(o Date) bool  { return d.t.Equal(o.t) }

// MonthStart returns the first day of d's month
func (d Date) MonthStart() Date {
	return New(d.t.Year(), d.t.Month(), 1)
}

// MonthEnd returns the last day of d's month
func (d Date) MonthEnd() Date {
	return d.MonthStart().NextMonth().AddDays(-1)
}

// NextMonth returns the first day of the month after d
func (d Date) NextMonth() Date {
	first := d.MonthStart()
	return Date{t: first.t.AddDate(0, 1, 0)}
}

// Min returns the earlier of a and b
func Min(a, b Date) Date {
	if b.Before(a) {
		return b
	}
	return a
}

// Max returns the later of a and b
func Max(a, b Date) Date {
	if b.After(a) {
		return b
	}
	return a
}

// Range is an inclusive span of days
type Range struct {
	Start Date
	End   Date
}

// Days returns the number of days in r
func (r Range) Days() int {
	if r.End.Before(r.Start) {
		return 0
	}
	return r.End.DaysSince(r.Start) + 1
}

// Contains reports whether d lies inside r
func (r Range) Contains(d Date) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

// MonthlyBatches splits [start, end] into calendar-month ranges, clipped to the bounds
func MonthlyBatches(start, end Date) []Range {
	if start.IsZero() || end.Before(start) {
		return nil
	}
	var out []Range
	for cur := start; !cur.After(end); cur = cur.NextMonth() {
		out = append(out, Range{Start: cur, End: Min(cur.MonthEnd(), end)})
	}
	return out
}

// Scan implements sql.Scanner for TEXT columns
func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = Date{}
		return nil
	case string:
		if v == "" {
			*d = Date{}
			return nil
		}
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case []byte:
		return d.Scan(string(v))
	case time.Time:
		*d = FromTime(v.UTC())
		return nil
	default:
		return fmt.Errorf("cannot scan %T into calendar.Date", src)
	}
}

// Value implements driver.Valuer
func (d Date) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.String(), nil
}

// MarshalJSON encodes d as "YYYY-MM-DD"
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes "YYYY-MM-DD" or null
func (d *Date) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == nil {
		*d = Date{}
		return nil
	}
	return d.Scan(*s)
}
