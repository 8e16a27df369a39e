package generic

import "github.com/samber/mo"

// =============================================================================
// PERIOD - Half-open date range used for validity windows
// =============================================================================

// Period is the range [Start, End). An absent End means open-ended.
//
// Examples:
//   - Current rule of a window: [anchor, endDate) or [anchor, ...)
//   - Archived rule: [oldWindowStart, newAnchor)
type Period struct {
	Start Date
	End   mo.Option[Date]
}

func NewPeriod(start, end Date) Period {
	return Period{Start: start, End: mo.Some(end)}
}

func OpenPeriod(start Date) Period {
	return Period{Start: start, End: mo.None[Date]()}
}

// Contains returns true if start <= d < end.
func (p Period) Contains(d Date) bool {
	if d.Before(p.Start) {
		return false
	}
	if end, ok := p.End.Get(); ok {
		return d.Before(end)
	}
	return true
}

// IsEmpty is true when the range holds no days (end <= start).
func (p Period) IsEmpty() bool {
	end, ok := p.End.Get()
	return ok && !end.After(p.Start)
}

// Days returns the number of days in a bounded period, -1 when open-ended.
func (p Period) Days() int {
	end, ok := p.End.Get()
	if !ok {
		return -1
	}
	if n := end.DaysSince(p.Start); n > 0 {
		return n
	}
	return 0
}

func (p Period) String() string {
	if end, ok := p.End.Get(); ok {
		return "[" + p.Start.String() + ", " + end.String() + ")"
	}
	return "[" + p.Start.String() + ", ...)"
}
