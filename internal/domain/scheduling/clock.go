package scheduling

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Clock is a wall-clock time of day in whole minutes since midnight.
// 24:00 is valid as the end of a window.
type Clock int

const (
	Midnight  Clock = 0
	EndOfDay  Clock = 24 * 60
	clockSize       = time.Minute
)

func NewClock(hour, minute int) Clock {
	return Clock(hour*60 + minute)
}

// ParseClock accepts "H:MM", "HH:MM" and "HH:MM:SS" (seconds must be zero).
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || len(parts[0]) > 2 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	if len(parts[1]) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if len(parts) == 3 && parts[2] != "00" {
		return 0, fmt.Errorf("seconds are not supported in %q", s)
	}
	c := NewClock(h, m)
	if h < 0 || c > EndOfDay {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return c, nil
}

// ClockOf returns the time of day of t, truncated to the minute.
func ClockOf(t time.Time) Clock {
	return NewClock(t.Hour(), t.Minute())
}

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

func (c Clock) Add(minutes int) Clock { return c + Clock(minutes) }

func (c Clock) Valid() bool { return c >= Midnight && c <= EndOfDay }

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

func (c Clock) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

func (c *Clock) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("time of day must be a string: %w", err)
	}
	v, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ScanTime implements pgtype.TimeScanner.
func (c *Clock) ScanTime(v pgtype.Time) error {
	if !v.Valid {
		return fmt.Errorf("cannot scan NULL into Clock")
	}
	*c = Clock(v.Microseconds / int64(clockSize/time.Microsecond))
	return nil
}

// TimeValue implements pgtype.TimeValuer.
func (c Clock) TimeValue() (pgtype.Time, error) {
	return pgtype.Time{Microseconds: int64(c) * int64(clockSize/time.Microsecond), Valid: true}, nil
}

// Date is a calendar day without a time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) IsZero() bool { return d == Date{} }

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// At returns the instant of clock c on d in loc.
func (d Date) At(c Clock, loc *time.Location) time.Time {
	return d.In(loc).Add(time.Duration(c) * clockSize)
}

// ISOWeekday returns 1 for Monday through 7 for Sunday.
func (d Date) ISOWeekday() int {
	wd := int(d.In(time.UTC).Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.In(time.UTC).AddDate(0, 0, n))
}

func (d Date) Before(o Date) bool { return d.In(time.UTC).Before(o.In(time.UTC)) }
func (d Date) After(o Date) bool  { return o.Before(d) }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	v, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ScanDate implements pgtype.DateScanner.
func (d *Date) ScanDate(v pgtype.Date) error {
	if !v.Valid {
		return fmt.Errorf("cannot scan NULL into Date")
	}
	if v.InfinityModifier != pgtype.Finite {
		return fmt.Errorf("cannot scan infinite date into Date")
	}
	*d = DateOf(v.Time)
	return nil
}

// DateValue implements pgtype.DateValuer.
func (d Date) DateValue() (pgtype.Date, error) {
	return pgtype.Date{Time: d.In(time.UTC), Valid: true}, nil
}

var weekdayNames = [...]string{"", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// WeekdayName returns the English name of an ISO weekday number.
func WeekdayName(iso int) string {
	if iso < 1 || iso > 7 {
		return fmt.Sprintf("weekday %d", iso)
	}
	return weekdayNames[iso]
}
