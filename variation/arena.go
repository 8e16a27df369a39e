package variation

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/warp/reschedule-engine/generic"
)

// =============================================================================
// ARENA - Variations indexed by id, parent links resolved through it
// =============================================================================

// Arena holds a loan's variations in insertion order. Callers mutate through
// Get, which returns a pointer into the arena.
type Arena struct {
	byID  map[ID]*TermVariation
	order []ID
}

func NewArena(vs ...TermVariation) *Arena {
	a := &Arena{byID: make(map[ID]*TermVariation)}
	for _, v := range vs {
		a.Add(v)
	}
	return a
}

// NewID allocates a variation id.
func NewID() ID { return ID(uuid.NewString()) }

// Add stores v, assigning an id if it has none, and returns the id.
func (a *Arena) Add(v TermVariation) ID {
	if v.ID == "" {
		v.ID = NewID()
	}
	if _, exists := a.byID[v.ID]; !exists {
		a.order = append(a.order, v.ID)
	}
	cp := v
	a.byID[v.ID] = &cp
	return v.ID
}

func (a *Arena) Get(id ID) (*TermVariation, bool) {
	v, ok := a.byID[id]
	return v, ok
}

func (a *Arena) Len() int { return len(a.order) }

// All returns copies in insertion order.
func (a *Arena) All() []TermVariation {
	out := make([]TermVariation, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.byID[id])
	}
	return out
}

// Active returns copies of active variations in effective-date order.
func (a *Arena) Active() []TermVariation {
	var out []TermVariation
	for _, id := range a.order {
		if v := a.byID[id]; v.Active {
			out = append(out, *v)
		}
	}
	SortByEffective(out)
	return out
}

// Children returns the variations whose parent is id.
func (a *Arena) Children(id ID) []TermVariation {
	var out []TermVariation
	for _, cid := range a.order {
		v := a.byID[cid]
		if p, ok := v.Parent.Get(); ok && p == id {
			out = append(out, *v)
		}
	}
	return out
}

// SetActive flips the active flag of the given ids.
func (a *Arena) SetActive(active bool, ids ...ID) error {
	for _, id := range ids {
		v, ok := a.byID[id]
		if !ok {
			return &generic.NotFoundError{Resource: "term variation", ID: string(id)}
		}
		v.Active = active
	}
	return nil
}

// Validate checks every variation and the grace/extend companion invariant.
func (a *Arena) Validate() error {
	var errs error
	for _, id := range a.order {
		v := a.byID[id]
		if err := v.Validate(); err != nil {
			errs = multierr.Append(errs, err)
		}
		if p, ok := v.Parent.Get(); ok {
			if _, exists := a.byID[p]; !exists {
				errs = multierr.Append(errs, &generic.ValidationError{Field: "parent", Code: "dangling_parent", Message: fmt.Sprintf("variation %s points at unknown parent %s", v.ID, p)})
			}
		}
		if v.Kind == GraceOnPrincipal && !a.hasCompanion(*v) {
			errs = multierr.Append(errs, &generic.ValidationError{Field: "grace_on_principal", Code: "missing_extension", Message: fmt.Sprintf("grace on principal %s has no matching extend_repayment_period", v.ID)})
		}
	}
	return errs
}

func (a *Arena) hasCompanion(grace TermVariation) bool {
	for _, c := range a.Children(grace.ID) {
		if c.Kind == ExtendRepaymentPeriod && c.EffectiveFrom.Equal(grace.EffectiveFrom) && c.Value.Equal(grace.Value) {
			return true
		}
	}
	return false
}

// SortByEffective orders by effective date; ties keep their relative order.
func SortByEffective(vs []TermVariation) {
	sort.SliceStable(vs, func(i, j int) bool {
		return vs[i].EffectiveFrom.Before(vs[j].EffectiveFrom)
	})
}

// OfKind filters vs down to one kind.
func OfKind(vs []TermVariation, k Kind) []TermVariation {
	var out []TermVariation
	for _, v := range vs {
		if v.Kind == k {
			out = append(out, v)
		}
	}
	return out
}
