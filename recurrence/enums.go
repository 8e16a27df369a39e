package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/reschedule-engine/generic"
)

// =============================================================================
// FREQUENCY
// =============================================================================

// Frequency is the period unit of a Rule. FrequencyInvalid is the zero value
// and means "not repeating".
type Frequency int

const (
	FrequencyInvalid Frequency = iota
	Daily
	Weekly
	Monthly
	Yearly
)

// ParseFrequency accepts the rule tokens case-insensitively.
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DAILY":
		return Daily, nil
	case "WEEKLY":
		return Weekly, nil
	case "MONTHLY":
		return Monthly, nil
	case "YEARLY":
		return Yearly, nil
	default:
		return FrequencyInvalid, &generic.ValidationError{Field: "FREQ", Code: "invalid_frequency", Message: fmt.Sprintf("unknown frequency %q", s)}
	}
}

// String returns the rule token, or "INVALID".
func (f Frequency) String() string {
	switch f {
	case Daily:
		return "DAILY"
	case Weekly:
		return "WEEKLY"
	case Monthly:
		return "MONTHLY"
	case Yearly:
		return "YEARLY"
	default:
		return "INVALID"
	}
}

func (f Frequency) Valid() bool { return f >= Daily && f <= Yearly }

// PeriodsPerYear is used to turn an annual rate into a periodic one.
func (f Frequency) PeriodsPerYear(interval int) int {
	if interval < 1 {
		interval = 1
	}
	switch f {
	case Daily:
		return 365 / interval
	case Weekly:
		return 52 / interval
	case Monthly:
		return 12 / interval
	case Yearly:
		return 1
	default:
		return 0
	}
}

func (f Frequency) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return []byte{}, nil
	}
	return []byte(f.String()), nil
}

func (f *Frequency) UnmarshalText(data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		*f = FrequencyInvalid
		return nil
	}
	parsed, err := ParseFrequency(string(data))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// =============================================================================
// WEEKDAY
// =============================================================================

// Weekday uses 1 = Monday .. 7 = Sunday; 0 is the "invalid" sentinel and is
// never emitted in rule text.
type Weekday int

const (
	WeekdayInvalid Weekday = iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayTokens = [...]string{"", "MO", "TU", "WE", "TH", "FR", "SA", "SU"}

func ParseWeekday(s string) (Weekday, error) {
	tok := strings.ToUpper(strings.TrimSpace(s))
	for i := Monday; i <= Sunday; i++ {
		if weekdayTokens[i] == tok {
			return i, nil
		}
	}
	return WeekdayInvalid, &generic.ValidationError{Field: "BYDAY", Code: "invalid_weekday", Message: fmt.Sprintf("unknown weekday %q", s)}
}

func (w Weekday) String() string {
	if !w.Valid() {
		return "INVALID"
	}
	return weekdayTokens[w]
}

func (w Weekday) Valid() bool { return w >= Monday && w <= Sunday }

// WeekdayOf converts a time.Weekday.
func WeekdayOf(d time.Weekday) Weekday {
	if d == time.Sunday {
		return Sunday
	}
	return Weekday(d)
}

// Time converts back to time.Weekday. Invalid maps to Sunday's zero value,
// callers check Valid first.
func (w Weekday) Time() time.Weekday {
	if w == Sunday {
		return time.Sunday
	}
	return time.Weekday(w)
}

func (w Weekday) MarshalText() ([]byte, error) {
	if !w.Valid() {
		return []byte{}, nil
	}
	return []byte(w.String()), nil
}

func (w *Weekday) UnmarshalText(data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		*w = WeekdayInvalid
		return nil
	}
	parsed, err := ParseWeekday(string(data))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}
