package generic

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// HOLIDAY CALENDAR - Non-working days
// =============================================================================

// Holiday is a single non-working day.
type Holiday struct {
	Date Date
	Name string

	// Recurring holidays repeat on the same month/day every year.
	Recurring bool
}

// HolidayCalendar provides holiday lookup functionality.
type HolidayCalendar interface {
	IsHoliday(date Date) bool
}

// NoHolidays is a calendar for when holidays are disabled.
type NoHolidays struct{}

func (NoHolidays) IsHoliday(Date) bool { return false }

// HolidayList is a static calendar.
type HolidayList []Holiday

func (l HolidayList) IsHoliday(date Date) bool {
	for _, h := range l {
		if h.Date.Equal(date) {
			return true
		}
		if h.Recurring && h.Date.Month() == date.Month() && h.Date.Day() == date.Day() {
			return true
		}
	}
	return false
}

// =============================================================================
// WORKING DAYS - Weekend + holidays
// =============================================================================

type WorkingDays struct {
	Weekend  []time.Weekday
	Holidays HolidayCalendar
}

// StandardWorkingDays treats Saturday and Sunday as the weekend.
func StandardWorkingDays(holidays HolidayCalendar) WorkingDays {
	return WorkingDays{Weekend: []time.Weekday{time.Saturday, time.Sunday}, Holidays: holidays}
}

func (w WorkingDays) IsWorkingDay(date Date) bool {
	wd := date.Weekday()
	for _, we := range w.Weekend {
		if wd == we {
			return false
		}
	}
	return w.Holidays == nil || !w.Holidays.IsHoliday(date)
}

// =============================================================================
// ADJUSTMENT POLICY - What to do when an occurrence is not a working day
// =============================================================================

type AdjustmentStrategy string

const (
	// AdjustSameDay keeps the candidate even if it is not a working day.
	AdjustSameDay AdjustmentStrategy = "same_day"
	// AdjustNextWorkingDay moves forward one day at a time.
	AdjustNextWorkingDay AdjustmentStrategy = "next_working_day"
	// AdjustPreviousWorkingDay moves back one day at a time.
	AdjustPreviousWorkingDay AdjustmentStrategy = "previous_working_day"
	// AdjustNextRepaymentDate repeats the rule's advancement until it lands
	// on a working day.
	AdjustNextRepaymentDate AdjustmentStrategy = "next_repayment_date"
)

func ParseAdjustmentStrategy(s string) (AdjustmentStrategy, error) {
	switch a := AdjustmentStrategy(strings.ToLower(strings.TrimSpace(s))); a {
	case AdjustSameDay, AdjustNextWorkingDay, AdjustPreviousWorkingDay, AdjustNextRepaymentDate:
		return a, nil
	case "":
		return AdjustSameDay, nil
	default:
		return "", &ValidationError{Field: "holiday_strategy", Code: "invalid_strategy", Message: fmt.Sprintf("unknown adjustment strategy %q", s)}
	}
}

// Adjuster moves a candidate occurrence off non-working days. advance steps
// the candidate forward by one period of the rule being evaluated.
type Adjuster interface {
	Adjust(candidate Date, advance func(Date) Date) Date
}

// NoAdjustment returns every candidate unchanged.
type NoAdjustment struct{}

func (NoAdjustment) Adjust(candidate Date, _ func(Date) Date) Date { return candidate }

// maxAdjustSteps bounds the search so a calendar without working days
// cannot loop forever.
const maxAdjustSteps = 400

// HolidayPolicy is the standard Adjuster.
type HolidayPolicy struct {
	Days     WorkingDays
	Strategy AdjustmentStrategy
}

func (p HolidayPolicy) Adjust(candidate Date, advance func(Date) Date) Date {
	if p.Days.IsWorkingDay(candidate) {
		return candidate
	}
	var step func(Date) Date
	switch p.Strategy {
	case AdjustNextWorkingDay:
		step = func(d Date) Date { return d.AddDays(1) }
	case AdjustPreviousWorkingDay:
		step = func(d Date) Date { return d.AddDays(-1) }
	case AdjustNextRepaymentDate:
		if advance == nil {
			return candidate
		}
		step = advance
	default:
		return candidate
	}

	d := candidate
	for i := 0; i < maxAdjustSteps; i++ {
		d = step(d)
		if p.Days.IsWorkingDay(d) {
			return d
		}
	}
	return candidate
}
