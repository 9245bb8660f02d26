package ledger

import (
	"fmt"
	"time"
	_ "time/tzdata" // reporting timezones on hosts without zoneinfo
)

// =============================================================================
// CLOCK
// =============================================================================

// Clock returns the current instant. Tests pin it.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// =============================================================================
// CALENDAR - Reporting timezone, calendar-aligned days and buckets
// =============================================================================

// DefaultTimezone is the reporting timezone used when none is configured.
const DefaultTimezone = "Africa/Abidjan"

// Calendar interprets instants as local calendar dates.
type Calendar struct {
	Location *time.Location
}

// NewCalendar loads the named IANA timezone.
func NewCalendar(tz string) (Calendar, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Calendar{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return Calendar{Location: loc}, nil
}

// UTCCalendar is a calendar with UTC days.
func UTCCalendar() Calendar { return Calendar{Location: time.UTC} }

func (c Calendar) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// In returns a copy of the calendar using loc, or c itself when loc is nil.
func (c Calendar) In(loc *time.Location) Calendar {
	if loc == nil {
		return c
	}
	return Calendar{Location: loc}
}

// Day returns local midnight of the day containing t.
func (c Calendar) Day(t time.Time) time.Time {
	lt := t.In(c.loc())
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc())
}

// DateOf reads the year, month and day of a stored date as a local date,
// ignoring the zone it was stored in.
func (c Calendar) DateOf(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, c.loc())
}

// BeforeDate reports whether the local day of now is strictly before date.
func (c Calendar) BeforeDate(now, date time.Time) bool {
	return c.Day(now).Before(c.DateOf(date))
}

// MonthStart returns local midnight of the first day of t's month.
func (c Calendar) MonthStart(t time.Time) time.Time {
	lt := t.In(c.loc())
	return time.Date(lt.Year(), lt.Month(), 1, 0, 0, 0, 0, c.loc())
}

// =============================================================================
// BUCKETS - Earnings by period
// =============================================================================

type Bucket string

const (
	BucketDay   Bucket = "day"
	BucketWeek  Bucket = "week"
	BucketMonth Bucket = "month"
	BucketYear  Bucket = "year"
)

func (b Bucket) Valid() bool {
	switch b {
	case BucketDay, BucketWeek, BucketMonth, BucketYear:
		return true
	}
	return false
}

// BucketStart returns the local start of the bucket containing t.
// Weeks start on Sunday.
func (c Calendar) BucketStart(t time.Time, b Bucket) time.Time {
	day := c.Day(t)
	switch b {
	case BucketWeek:
		return day.AddDate(0, 0, -int(day.Weekday()))
	case BucketMonth:
		return time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, c.loc())
	case BucketYear:
		return time.Date(day.Year(), time.January, 1, 0, 0, 0, 0, c.loc())
	default:
		return day
	}
}

// BucketKey renders the bucket containing t the way reports label it.
func (c Calendar) BucketKey(t time.Time, b Bucket) string {
	start := c.BucketStart(t, b)
	switch b {
	case BucketMonth:
		return start.Format("2006-01")
	case BucketYear:
		return start.Format("2006")
	default:
		return start.Format("2006-01-02")
	}
}
