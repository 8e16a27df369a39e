/*
window.go - Schedule windows and their rule history

PURPOSE:
  A Window pairs an anchor date with a recurrence rule and answers "is this
  date a valid meeting/collection date?". When the anchor or rule of a
  window that entities are synced to changes, the old configuration is
  archived as a HistorySnapshot so past dates keep validating against the
  rule that was actually in force.

VALIDITY:
  ┌────────────── history ──────────────┐┌──────── current ────────┐
  [ snap 1: rule A )[ snap 2: rule B    )[ anchor: rule C, end?    )
                                          ^ evaluated first
  Dates outside every range are never valid.

OWNERSHIP:
  The window owns its snapshots. Which entities are synced to the window is
  kept in a separate table (see sync.go); the window holds no back-pointers.
*/
package calendar

import (
	"fmt"

	"github.com/samber/mo"

	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/recurrence"
)

// =============================================================================
// WINDOW
// =============================================================================

type WindowID string

type Kind string

const (
	KindCollection Kind = "collection"
	KindTraining   Kind = "training"
	KindMeeting    Kind = "meeting"
	KindGeneral    Kind = "general"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCollection, KindMeeting, KindTraining, KindGeneral:
		return true
	default:
		return false
	}
}

// RequiresRepeating is true for kinds that only make sense as a series.
func (k Kind) RequiresRepeating() bool { return k == KindCollection }

type Window struct {
	ID         WindowID
	Kind       Kind
	Title      string
	AnchorDate generic.Date
	EndDate    mo.Option[generic.Date]
	Repeating  bool
	Rule       recurrence.Rule

	// History is ordered oldest first.
	History []HistorySnapshot

	CreatedOn generic.Date
	UpdatedOn generic.Date
}

// HistorySnapshot is an archived rule, valid on [WindowStart, WindowEnd).
type HistorySnapshot struct {
	Rule        recurrence.Rule
	AnchorDate  generic.Date
	WindowStart generic.Date
	WindowEnd   generic.Date
}

func (h HistorySnapshot) Period() generic.Period {
	return generic.NewPeriod(h.WindowStart, h.WindowEnd)
}

// Current is the range the live rule governs.
func (w *Window) Current() generic.Period {
	return generic.Period{Start: w.AnchorDate, End: w.EndDate}
}

// Validate checks the window before it is first stored.
func (w *Window) Validate() error {
	if !w.Kind.Valid() {
		return &generic.ValidationError{Field: "kind", Code: "invalid_kind", Message: fmt.Sprintf("unknown window kind %q", w.Kind)}
	}
	if w.AnchorDate.IsZero() {
		return &generic.ValidationError{Field: "anchor_date", Code: "required", Message: "anchor date is required"}
	}
	if w.Kind.RequiresRepeating() && !w.Repeating {
		return &generic.ValidationError{Field: "repeating", Code: "must_repeat", Message: fmt.Sprintf("%s windows must repeat", w.Kind)}
	}
	if w.Repeating {
		if err := w.Rule.Validate(); err != nil {
			return fmt.Errorf("rule: %w", err)
		}
	}
	if end, ok := w.EndDate.Get(); ok && !end.After(w.AnchorDate) {
		return &generic.DateRangeError{Field: "end_date", Date: end, Bound: w.AnchorDate, Message: "end date must be after the anchor date"}
	}
	return nil
}

// =============================================================================
// OCCURRENCE VALIDITY
// =============================================================================

// OccurrencePolicy carries the caller's validity flags.
type OccurrencePolicy struct {
	// SkipFirstDayOfMonth moves occurrences that fall on the 1st forward by
	// SkipDays (meetings that cannot be held on the first of a month).
	SkipFirstDayOfMonth bool
	SkipDays            int

	// MinimumDaysFromAnchor rejects dates closer than this to the anchor.
	MinimumDaysFromAnchor int

	// Adjuster applies the holiday policy. Nil means no adjustment.
	Adjuster generic.Adjuster
}

// IsValidOccurrence reports whether date is an occurrence of the rule in
// force on that date.
func (w *Window) IsValidOccurrence(date generic.Date, policy OccurrencePolicy) bool {
	if w.Current().Contains(date) {
		if !w.Repeating {
			return date.Equal(w.AnchorDate)
		}
		return isOccurrence(w.Rule, w.AnchorDate, date, policy)
	}
	for i := len(w.History) - 1; i >= 0; i-- {
		h := w.History[i]
		if h.Period().Contains(date) {
			return isOccurrence(h.Rule, h.AnchorDate, date, policy)
		}
	}
	return false
}

// candidateSlack bounds how far past the target an unadjusted occurrence
// may lie and still be moved back onto it.
const candidateSlack = 15

func isOccurrence(rule recurrence.Rule, anchor, date generic.Date, policy OccurrencePolicy) bool {
	if policy.MinimumDaysFromAnchor > 0 && date.DaysSince(anchor) < policy.MinimumDaysFromAnchor {
		return false
	}
	seq, err := recurrence.NewSequencer(rule, anchor, policy.Adjuster)
	if err != nil {
		return date.Equal(anchor)
	}
	limit := date.AddDays(candidateSlack)
	for cur := seq.First(); cur.Before(limit); cur = seq.NextUnadjusted(cur) {
		if policy.place(seq, cur).Equal(date) {
			return true
		}
	}
	return false
}

func (p OccurrencePolicy) place(seq *recurrence.Sequencer, d generic.Date) generic.Date {
	if p.SkipFirstDayOfMonth && d.Day() == 1 {
		d = d.AddDays(p.SkipDays)
	}
	return seq.Adjust(d)
}

// Occurrences lists every valid date in [from, to), walking history
// snapshots and the current window in order.
func (w *Window) Occurrences(from, to generic.Date, policy OccurrencePolicy) []generic.Date {
	type segment struct {
		rule   recurrence.Rule
		anchor generic.Date
		period generic.Period
	}
	segments := make([]segment, 0, len(w.History)+1)
	for _, h := range w.History {
		segments = append(segments, segment{h.Rule, h.AnchorDate, h.Period()})
	}
	if w.Repeating {
		segments = append(segments, segment{w.Rule, w.AnchorDate, w.Current()})
	}

	var out []generic.Date
	for _, s := range segments {
		seq, err := recurrence.NewSequencer(s.rule, s.anchor, policy.Adjuster)
		if err != nil {
			continue
		}
		end := to
		if e, ok := s.period.End.Get(); ok {
			end = generic.MinDate(end, e)
		}
		for cur := seq.FirstOnOrAfter(generic.MaxDate(from, s.period.Start)); cur.Before(end); cur = seq.NextUnadjusted(cur) {
			d := policy.place(seq, cur)
			if policy.MinimumDaysFromAnchor > 0 && d.DaysSince(s.anchor) < policy.MinimumDaysFromAnchor {
				continue
			}
			out = append(out, d)
		}
	}
	if !w.Repeating && w.Current().Contains(w.AnchorDate) && !w.AnchorDate.Before(from) && w.AnchorDate.Before(to) {
		out = append(out, w.AnchorDate)
	}
	return out
}

// =============================================================================
// ANCHOR AND RULE CHANGES
// =============================================================================

// RuleUpdate describes what an anchor move or rule change did.
type RuleUpdate struct {
	PreviousAnchor generic.Date
	Anchor         generic.Date
	PreviousRule   recurrence.Rule
	Rule           recurrence.Rule
	Snapshot       mo.Option[HistorySnapshot]
}

// FrequencyChanged reports a cadence change (frequency or interval).
func (u RuleUpdate) FrequencyChanged() bool { return !u.PreviousRule.SamePeriod(u.Rule) }

// MoveAnchor re-anchors the window at newAnchor and derives the rule's
// weekday or day of month from it. With entitiesSynced the old
// configuration is archived, bounded at newAnchor.
func (w *Window) MoveAnchor(newAnchor, today generic.Date, entitiesSynced bool) (RuleUpdate, error) {
	if newAnchor.Before(today) {
		return RuleUpdate{}, &generic.DateRangeError{Field: "anchor_date", Date: newAnchor, Bound: today, Message: "anchor cannot move before today"}
	}
	if w.AnchorDate.After(newAnchor) && !w.AnchorDate.After(today) {
		return RuleUpdate{}, &generic.DateRangeError{Field: "anchor_date", Date: newAnchor, Bound: w.AnchorDate, Message: "a started window cannot move back before its own anchor"}
	}

	rule := w.Rule
	switch {
	case rule.IsWeekly():
		rule.Weekday = recurrence.WeekdayOf(newAnchor.Weekday())
	case rule.IsMonthly():
		rule.SetPos = 0
		rule.Weekday = recurrence.WeekdayInvalid
		rule.MonthDay = newAnchor.Day()
		if rule.MonthDay > 28 {
			// The anchor day itself carries 29..31, clamped in short months.
			rule.MonthDay = 0
		}
	}
	return w.apply(rule, newAnchor, entitiesSynced)
}

// ChangeRule replaces the rule from effectiveFrom onward.
func (w *Window) ChangeRule(rule recurrence.Rule, effectiveFrom, today generic.Date, entitiesSynced bool) (RuleUpdate, error) {
	if err := rule.Validate(); err != nil {
		return RuleUpdate{}, fmt.Errorf("rule: %w", err)
	}
	if effectiveFrom.Before(today) {
		return RuleUpdate{}, &generic.DateRangeError{Field: "effective_from", Date: effectiveFrom, Bound: today, Message: "rule changes cannot take effect in the past"}
	}
	if effectiveFrom.Before(w.AnchorDate) {
		return RuleUpdate{}, &generic.DateRangeError{Field: "effective_from", Date: effectiveFrom, Bound: w.AnchorDate, Message: "rule changes cannot take effect before the anchor"}
	}
	return w.apply(rule, effectiveFrom, entitiesSynced)
}

func (w *Window) apply(rule recurrence.Rule, newAnchor generic.Date, entitiesSynced bool) (RuleUpdate, error) {
	if end, ok := w.EndDate.Get(); ok && !end.After(newAnchor) {
		return RuleUpdate{}, &generic.DateRangeError{Field: "anchor_date", Date: newAnchor, Bound: end, Message: "anchor must stay before the end date"}
	}

	update := RuleUpdate{
		PreviousAnchor: w.AnchorDate,
		Anchor:         newAnchor,
		PreviousRule:   w.Rule,
		Rule:           rule,
		Snapshot:       mo.None[HistorySnapshot](),
	}
	if entitiesSynced && w.Repeating {
		snap := HistorySnapshot{
			Rule:        w.Rule,
			AnchorDate:  w.AnchorDate,
			WindowStart: w.AnchorDate,
			WindowEnd:   newAnchor,
		}
		if !snap.Period().IsEmpty() {
			w.History = append(w.History, snap)
			update.Snapshot = mo.Some(snap)
		}
	}
	w.AnchorDate = newAnchor
	w.Rule = rule
	return update, nil
}
