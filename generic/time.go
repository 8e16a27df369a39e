package generic

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// =============================================================================
// DATE - Civil (timezone-less) calendar date
// =============================================================================

// Date is a calendar day with no time or location. All schedule arithmetic
// (due dates, anchors, window bounds) is done on Dates.
type Date struct {
	d civil.Date
}

// Constructors
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

func DateOf(t time.Time) Date { return Date{d: civil.DateOf(t)} }

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	d, err := civil.ParseDate(s)
	if err != nil {
		return Date{}, &ValidationError{Field: "date", Code: "invalid_date", Message: fmt.Sprintf("cannot parse %q as YYYY-MM-DD", s)}
	}
	return Date{d: d}, nil
}

// MustParseDate is ParseDate for literals known to be well formed.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Comparison
func (d Date) Before(other Date) bool        { return d.d.Before(other.d) }
func (d Date) After(other Date) bool         { return d.d.After(other.d) }
func (d Date) Equal(other Date) bool         { return d.d == other.d }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }

// Compare returns -1, 0 or +1.
func (d Date) Compare(other Date) int {
	switch {
	case d.Before(other):
		return -1
	case d.After(other):
		return 1
	default:
		return 0
	}
}

// Arithmetic
func (d Date) AddDays(n int) Date       { return Date{d: d.d.AddDays(n)} }
func (d Date) DaysSince(other Date) int { return d.d.DaysSince(other.d) }

// AddMonths moves by n calendar months, clamping the day to the length of the
// target month (Jan 31 + 1 month = Feb 28/29).
func (d Date) AddMonths(n int) Date {
	total := int(d.d.Month) - 1 + n
	year := d.d.Year + floorDiv(total, 12)
	month := time.Month(total - floorDiv(total, 12)*12 + 1)
	day := d.d.Day
	if last := DaysIn(year, month); day > last {
		day = last
	}
	return Date{d: civil.Date{Year: year, Month: month, Day: day}}
}

func (d Date) AddYears(n int) Date { return d.AddMonths(12 * n) }

// WithDay returns the given day of the same month, clamped to the month length.
// Non-positive values count back from the end (-1 = last day).
func (d Date) WithDay(day int) Date {
	last := d.DaysInMonth()
	switch {
	case day <= 0:
		day = last + day + 1
		if day < 1 {
			day = 1
		}
	case day > last:
		day = last
	}
	return Date{d: civil.Date{Year: d.d.Year, Month: d.d.Month, Day: day}}
}

func (d Date) FirstOfMonth() Date { return d.WithDay(1) }
func (d Date) LastOfMonth() Date  { return d.WithDay(-1) }

// Properties
func (d Date) Year() int                { return d.d.Year }
func (d Date) Month() time.Month        { return d.d.Month }
func (d Date) Day() int                 { return d.d.Day }
func (d Date) Weekday() time.Weekday    { return d.Time().Weekday() }
func (d Date) DaysInMonth() int         { return DaysIn(d.d.Year, d.d.Month) }
func (d Date) IsLastDayOfMonth() bool   { return d.d.Day == d.DaysInMonth() }
func (d Date) IsZero() bool             { return d.d == civil.Date{} }
func (d Date) IsValid() bool            { return d.d.IsValid() }
func (d Date) Civil() civil.Date        { return d.d }
func (d Date) Time() time.Time          { return d.d.In(time.UTC) }
func (d Date) String() string           { return d.d.String() }
func (d Date) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte{}, nil
	}
	return d.d.MarshalText()
}

func (d *Date) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(data))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// CLOCK - Injectable notion of "today"
// =============================================================================

type Clock interface {
	Today() Date
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Today() Date { return DateOf(time.Now().UTC()) }

// FixedClock always reports the same day. Used by tests and replays.
type FixedClock Date

func (c FixedClock) Today() Date { return Date(c) }

// =============================================================================
// DATE UTILITIES
// =============================================================================

func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func MinDate(a, b Date) Date {
	if a.Before(b) {
		return a
	}
	return b
}

func MaxDate(a, b Date) Date {
	if a.After(b) {
		return a
	}
	return b
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
