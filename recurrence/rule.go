/*
rule.go - Recurrence rule and its text codec

PURPOSE:
  A Rule says how often something repeats: every n days, weeks, months or
  years, optionally pinned to a weekday, a day of month or an nth weekday
  of the month. Rules travel as a flat token list:

    FREQ=WEEKLY;INTERVAL=2;BYDAY=MO
    FREQ=MONTHLY;BYMONTHDAY=-1
    FREQ=MONTHLY;BYSETPOS=2;BYDAY=TU

  An empty string means "not repeating".

TWO DECODERS:
  Decode:  Lenient. Never fails. Unknown tokens and malformed values are
           dropped. Used when reading stored rules.
  Parse:   Strict. Reports every malformed fragment at once. Used at the
           API boundary.

ROUND TRIP:
  For every r where r.Validate() == nil: Decode(Encode(r)) == r.
  INTERVAL=1 is omitted on encode and re-inferred on decode.

SEE ALSO:
  - sequencer.go: Walks a Rule forward from an anchor
  - rrule.go: Bridge to github.com/teambition/rrule-go
*/
package recurrence

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/warp/reschedule-engine/generic"
)

// =============================================================================
// RULE
// =============================================================================

type Rule struct {
	Frequency Frequency
	Interval  int
	Weekday   Weekday

	// MonthDay is the day of month for monthly rules: 1..28, or -1 for the
	// last day. 0 means unset.
	MonthDay int

	// SetPos is the nth-weekday position for monthly rules ("2nd Tuesday"):
	// 1..4, or -1 for the last. 0 means unset. Exclusive with MonthDay.
	SetPos int
}

// NewRule builds a plain rule with no weekday or day-of-month pinning.
func NewRule(freq Frequency, interval int) Rule {
	return Rule{Frequency: freq, Interval: interval}
}

func (r Rule) IsRepeating() bool { return r.Frequency.Valid() }
func (r Rule) IsDaily() bool     { return r.Frequency == Daily }
func (r Rule) IsWeekly() bool    { return r.Frequency == Weekly }
func (r Rule) IsMonthly() bool   { return r.Frequency == Monthly }
func (r Rule) IsYearly() bool    { return r.Frequency == Yearly }

// IsNthWeekday reports whether a monthly rule uses the "2nd Tuesday" form.
func (r Rule) IsNthWeekday() bool {
	return r.IsMonthly() && r.MonthDay == 0 && r.SetPos != 0 && r.Weekday.Valid()
}

func (r Rule) interval() int {
	if r.Interval < 1 {
		return 1
	}
	return r.Interval
}

// SamePeriod reports whether two rules share frequency and interval. A
// change to either one changes the cadence of every synced entity.
func (r Rule) SamePeriod(other Rule) bool {
	return r.Frequency == other.Frequency && r.interval() == other.interval()
}

func (r Rule) String() string { return Encode(r) }

// Validate checks the field invariants and reports every violation.
func (r Rule) Validate() error {
	var errs error
	if !r.Frequency.Valid() {
		return &generic.ValidationError{Field: "FREQ", Code: "required", Message: "rule must have a frequency"}
	}
	if r.Interval < 1 {
		errs = multierr.Append(errs, &generic.ValidationError{Field: "INTERVAL", Code: "invalid_interval", Message: "interval must be a positive integer"})
	}
	switch r.Frequency {
	case Weekly:
		if r.MonthDay != 0 || r.SetPos != 0 {
			errs = multierr.Append(errs, &generic.ValidationError{Field: "BYMONTHDAY", Code: "not_allowed", Message: "weekly rules cannot pin a day of month"})
		}
	case Monthly:
		if r.MonthDay != 0 && r.SetPos != 0 {
			errs = multierr.Append(errs, &generic.ValidationError{Field: "BYSETPOS", Code: "exclusive", Message: "use either BYMONTHDAY or BYSETPOS+BYDAY, not both"})
		}
		if !validMonthDay(r.MonthDay) {
			errs = multierr.Append(errs, &generic.ValidationError{Field: "BYMONTHDAY", Code: "out_of_range", Message: "day of month must be -1 or 1..28"})
		}
		if r.SetPos != 0 && !validSetPos(r.SetPos) {
			errs = multierr.Append(errs, &generic.ValidationError{Field: "BYSETPOS", Code: "out_of_range", Message: "position must be -1 or 1..4"})
		}
		if r.SetPos != 0 && !r.Weekday.Valid() {
			errs = multierr.Append(errs, &generic.ValidationError{Field: "BYDAY", Code: "required", Message: "nth weekday rules need a weekday"})
		}
		if r.SetPos == 0 && r.Weekday.Valid() {
			errs = multierr.Append(errs, &generic.ValidationError{Field: "BYDAY", Code: "not_allowed", Message: "monthly weekday needs BYSETPOS"})
		}
	default:
		if r.Weekday.Valid() || r.MonthDay != 0 || r.SetPos != 0 {
			errs = multierr.Append(errs, &generic.ValidationError{Field: "BYDAY", Code: "not_allowed", Message: fmt.Sprintf("%s rules take no BYDAY/BYMONTHDAY/BYSETPOS", r.Frequency)})
		}
	}
	return errs
}

func validMonthDay(n int) bool { return n == -1 || (n >= 0 && n <= 28) }
func validSetPos(n int) bool   { return n == -1 || (n >= 1 && n <= 4) }

// =============================================================================
// ENCODE
// =============================================================================

// Encode renders the rule as token text. Non-repeating rules encode to "".
func Encode(r Rule) string {
	if !r.Frequency.Valid() {
		return ""
	}
	parts := []string{"FREQ=" + r.Frequency.String()}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	switch r.Frequency {
	case Weekly:
		if r.Weekday.Valid() {
			parts = append(parts, "BYDAY="+r.Weekday.String())
		}
	case Monthly:
		switch {
		case r.MonthDay != 0 && validMonthDay(r.MonthDay):
			parts = append(parts, "BYMONTHDAY="+strconv.Itoa(r.MonthDay))
		case r.SetPos != 0 && r.Weekday.Valid():
			parts = append(parts, "BYSETPOS="+strconv.Itoa(r.SetPos), "BYDAY="+r.Weekday.String())
		}
	}
	return strings.Join(parts, ";")
}

// =============================================================================
// DECODE
// =============================================================================

// Decode reads rule text leniently. Blank text yields the zero Rule
// (FrequencyInvalid), which callers treat as non-repeating.
func Decode(text string) Rule {
	r, _ := decode(text)
	return r
}

// Parse reads rule text strictly. Blank text is a valid non-repeating rule;
// anything else must decode cleanly and pass Validate.
func Parse(text string) (Rule, error) {
	r, errs := decode(text)
	if strings.TrimSpace(text) == "" {
		return r, nil
	}
	if !r.Frequency.Valid() && errs == nil {
		errs = multierr.Append(errs, &generic.ValidationError{Field: "FREQ", Code: "required", Message: "rule must have a frequency"})
	}
	if errs != nil {
		return Rule{}, errs
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func decode(text string) (Rule, error) {
	var (
		r      Rule
		errs   error
		prefix int
	)
	if strings.TrimSpace(text) == "" {
		return r, nil
	}

	for _, tok := range strings.Split(text, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			errs = multierr.Append(errs, malformed(tok, "expected KEY=VALUE"))
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.ToUpper(strings.TrimSpace(value))

		switch key {
		case "FREQ":
			f, err := ParseFrequency(value)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			r.Frequency = f
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				errs = multierr.Append(errs, malformed(tok, "interval must be a positive integer"))
				continue
			}
			r.Interval = n
		case "BYDAY":
			pos, wd, err := parseByDay(value)
			if err != nil {
				errs = multierr.Append(errs, malformed(tok, err.Error()))
				continue
			}
			r.Weekday = wd
			prefix = pos
		case "BYMONTHDAY":
			n, err := strconv.Atoi(value)
			if err != nil || n == 0 || !validMonthDay(n) {
				errs = multierr.Append(errs, malformed(tok, "day of month must be -1 or 1..28"))
				continue
			}
			r.MonthDay = n
		case "BYSETPOS":
			n, err := strconv.Atoi(value)
			if err != nil || !validSetPos(n) {
				errs = multierr.Append(errs, malformed(tok, "position must be -1 or 1..4"))
				continue
			}
			r.SetPos = n
		default:
			errs = multierr.Append(errs, malformed(tok, "unknown token"))
		}
	}

	if r.SetPos == 0 && prefix != 0 {
		r.SetPos = prefix
	}
	if r.Frequency.Valid() && r.Interval == 0 {
		r.Interval = 1
	}
	return r, errs
}

// parseByDay accepts "TU" and the prefixed forms "2TU" / "-1FR".
func parseByDay(value string) (int, Weekday, error) {
	if len(value) < 2 {
		return 0, WeekdayInvalid, fmt.Errorf("weekday code too short")
	}
	code := value[len(value)-2:]
	wd, err := ParseWeekday(code)
	if err != nil {
		return 0, WeekdayInvalid, fmt.Errorf("unknown weekday %q", code)
	}
	if len(value) == 2 {
		return 0, wd, nil
	}
	pos, err := strconv.Atoi(value[:len(value)-2])
	if err != nil || !validSetPos(pos) {
		return 0, WeekdayInvalid, fmt.Errorf("bad weekday position %q", value)
	}
	return pos, wd, nil
}

func malformed(tok, msg string) error {
	return &generic.ValidationError{Field: tok, Code: "malformed_token", Message: msg}
}
