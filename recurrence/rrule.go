package recurrence

import (
	"time"

	"github.com/teambition/rrule-go"

	"github.com/warp/reschedule-engine/generic"
)

// =============================================================================
// RRULE BRIDGE - Month-position resolution and interop via rrule-go
// =============================================================================

var rruleWeekdays = map[Weekday]rrule.Weekday{
	Monday:    rrule.MO,
	Tuesday:   rrule.TU,
	Wednesday: rrule.WE,
	Thursday:  rrule.TH,
	Friday:    rrule.FR,
	Saturday:  rrule.SA,
	Sunday:    rrule.SU,
}

var rruleFrequencies = map[Frequency]rrule.Frequency{
	Daily:   rrule.DAILY,
	Weekly:  rrule.WEEKLY,
	Monthly: rrule.MONTHLY,
	Yearly:  rrule.YEARLY,
}

// ROption exports the rule as rrule-go options starting at anchor. Used for
// interop with iCalendar consumers; the Sequencer remains the source of truth
// for schedule dates (it clamps short months where RFC 5545 skips them).
func (r Rule) ROption(anchor generic.Date) rrule.ROption {
	opt := rrule.ROption{
		Freq:     rruleFrequencies[r.Frequency],
		Interval: r.interval(),
		Dtstart:  anchor.Time(),
	}
	switch {
	case r.IsWeekly() && r.Weekday.Valid():
		opt.Byweekday = []rrule.Weekday{rruleWeekdays[r.Weekday]}
	case r.IsMonthly() && r.MonthDay != 0:
		opt.Bymonthday = []int{r.MonthDay}
	case r.IsNthWeekday():
		opt.Byweekday = []rrule.Weekday{rruleWeekdays[r.Weekday]}
		opt.Bysetpos = []int{r.SetPos}
	}
	return opt
}

// RRule builds an rrule-go iterator for the rule.
func (r Rule) RRule(anchor generic.Date) (*rrule.RRule, error) {
	if !r.IsRepeating() {
		return nil, &generic.ValidationError{Field: "rule", Code: "not_repeating", Message: "rule does not repeat"}
	}
	return rrule.NewRRule(r.ROption(anchor))
}

// nthWeekdayOfMonth resolves "the pos-th wd of year/month" (pos -1 = last).
func nthWeekdayOfMonth(year int, month time.Month, pos int, wd Weekday) generic.Date {
	first := generic.NewDate(year, month, 1)
	day := rruleWeekdays[wd]
	rr, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.MONTHLY,
		Dtstart:   first.Time(),
		Count:     1,
		Byweekday: []rrule.Weekday{day.Nth(pos)},
	})
	if err == nil {
		if all := rr.All(); len(all) == 1 && all[0].Month() == month {
			return generic.DateOf(all[0])
		}
	}
	return nthWeekdayFallback(first, pos, wd)
}

func nthWeekdayFallback(first generic.Date, pos int, wd Weekday) generic.Date {
	if pos < 0 {
		last := first.LastOfMonth()
		back := (int(last.Weekday()) - int(wd.Time()) + 7) % 7
		return last.AddDays(-back)
	}
	fwd := (int(wd.Time()) - int(first.Weekday()) + 7) % 7
	return first.AddDays(fwd + 7*(pos-1))
}
