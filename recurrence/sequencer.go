/*
sequencer.go - Next-occurrence computation

PURPOSE:
  The Sequencer is the single source of truth for "what is the next due or
  meeting date". Schedule windows use it to validate occurrences, the
  schedule regenerator uses it to place installments, and the reschedule
  workflow uses it to remap shifted due dates.

ADVANCEMENT (one period from any date):
  Daily:    +interval days
  Weekly:   +interval weeks, then forward to the rule's weekday (if set)
  Monthly:  +interval months (clamped), then snapped to BYMONTHDAY, to the
            nth weekday, or kept on the same day (month-end clamps undone)
  Yearly:   +interval years (Feb 29 clamps undone in leap years)

  From a date off the rule's weekday (a shifted due date) the weekly
  advance still snaps forward, so that one period runs 7k+n days: a Monday
  rule from a Wednesday lands on the Monday twelve days later.

ADJUSTED vs UNADJUSTED:
  NextUnadjusted is the pure rule. Next passes the candidate through the
  caller's generic.Adjuster (holiday policy). Chains of dates are always
  walked on the unadjusted path so one holiday move does not drift every
  later date.

The Sequencer has no state beyond its inputs and never mutates them.
*/
package recurrence

import (
	"github.com/warp/reschedule-engine/generic"
)

type Sequencer struct {
	rule     Rule
	anchor   generic.Date
	adjuster generic.Adjuster
}

// NewSequencer fails for non-repeating or invalid rules.
func NewSequencer(rule Rule, anchor generic.Date, adjuster generic.Adjuster) (*Sequencer, error) {
	if !rule.IsRepeating() {
		return nil, &generic.ValidationError{Field: "rule", Code: "not_repeating", Message: "cannot sequence a non-repeating rule"}
	}
	if rule.Interval < 1 {
		rule.Interval = 1
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if anchor.IsZero() {
		return nil, &generic.ValidationError{Field: "anchor_date", Code: "required", Message: "anchor date is required"}
	}
	if adjuster == nil {
		adjuster = generic.NoAdjustment{}
	}
	return &Sequencer{rule: rule, anchor: anchor, adjuster: adjuster}, nil
}

func (s *Sequencer) Rule() Rule           { return s.rule }
func (s *Sequencer) Anchor() generic.Date { return s.anchor }

// NextUnadjusted advances exactly one period from after.
func (s *Sequencer) NextUnadjusted(after generic.Date) generic.Date {
	n := s.rule.Interval
	switch s.rule.Frequency {
	case Daily:
		return after.AddDays(n)
	case Weekly:
		return s.snapWeekday(after.AddDays(7 * n))
	case Monthly:
		return s.snapMonth(after, after.AddMonths(n))
	case Yearly:
		next := after.AddYears(n)
		if after.IsLastDayOfMonth() && after.Month() == s.anchor.Month() && s.anchor.Day() > after.Day() {
			next = next.WithDay(s.anchor.Day())
		}
		return next
	default:
		return after
	}
}

// Next advances one period and applies the holiday policy. Under the
// next-repayment-date strategy the policy may advance further.
func (s *Sequencer) Next(after generic.Date) generic.Date {
	return s.Adjust(s.NextUnadjusted(after))
}

// Adjust applies the holiday policy to an occurrence.
func (s *Sequencer) Adjust(d generic.Date) generic.Date {
	return s.adjuster.Adjust(d, s.NextUnadjusted)
}

// First is the first unadjusted occurrence on or after the anchor.
func (s *Sequencer) First() generic.Date {
	switch s.rule.Frequency {
	case Weekly:
		return s.snapWeekday(s.anchor)
	case Monthly:
		first := s.snapMonth(s.anchor, s.anchor)
		if first.Before(s.anchor) {
			first = s.snapMonth(s.anchor, s.anchor.FirstOfMonth().AddMonths(1))
		}
		return first
	default:
		return s.anchor
	}
}

// FirstOnOrAfter is the first unadjusted occurrence on or after d.
func (s *Sequencer) FirstOnOrAfter(d generic.Date) generic.Date {
	cur := s.First()
	for cur.Before(d) {
		cur = s.NextUnadjusted(cur)
	}
	return cur
}

// Dates returns n adjusted dates: start, then n-1 further periods. The
// chain advances on unadjusted dates.
func (s *Sequencer) Dates(start generic.Date, n int) []generic.Date {
	out := make([]generic.Date, 0, n)
	cur := start
	for i := 0; i < n; i++ {
		out = append(out, s.Adjust(cur))
		cur = s.NextUnadjusted(cur)
	}
	return out
}

// between lists adjusted occurrences whose unadjusted date lies in [from, to).
func (s *Sequencer) between(from, to generic.Date) []generic.Date {
	var out []generic.Date
	for cur := s.FirstOnOrAfter(from); cur.Before(to); cur = s.NextUnadjusted(cur) {
		out = append(out, s.Adjust(cur))
	}
	return out
}

// Path walks from start until it reaches or passes target and returns every
// unadjusted date visited, start included. The reschedule cascade pairs it
// with a walk from the shifted date.
func (s *Sequencer) Path(start, target generic.Date) []generic.Date {
	out := []generic.Date{start}
	for cur := start; cur.Before(target); {
		cur = s.NextUnadjusted(cur)
		out = append(out, cur)
	}
	return out
}

func (s *Sequencer) snapWeekday(d generic.Date) generic.Date {
	if !s.rule.Weekday.Valid() {
		return d
	}
	fwd := (int(s.rule.Weekday.Time()) - int(d.Weekday()) + 7) % 7
	return d.AddDays(fwd)
}

// snapMonth pins d (a month after prev) to the rule's day. Without a pinned
// day the day of prev is kept, except that a month-end clamp is undone
// (Jan 31, Feb 29, Mar 31).
func (s *Sequencer) snapMonth(prev, d generic.Date) generic.Date {
	switch {
	case s.rule.MonthDay != 0:
		return d.WithDay(s.rule.MonthDay)
	case s.rule.IsNthWeekday():
		return nthWeekdayOfMonth(d.Year(), d.Month(), s.rule.SetPos, s.rule.Weekday)
	default:
		day := prev.Day()
		if prev.IsLastDayOfMonth() && s.anchor.Day() > day {
			day = s.anchor.Day()
		}
		return d.WithDay(day)
	}
}

// Expand lists the adjusted occurrences of rule anchored at anchor in [from, to).
func Expand(rule Rule, anchor, from, to generic.Date, adjuster generic.Adjuster) ([]generic.Date, error) {
	seq, err := NewSequencer(rule, anchor, adjuster)
	if err != nil {
		return nil, err
	}
	return seq.between(generic.MaxDate(anchor, from), to), nil
}
