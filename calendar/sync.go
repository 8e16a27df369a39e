package calendar

import "context"

// =============================================================================
// ENTITY SYNC - Which entities follow a window
// =============================================================================

type EntityType string

const (
	EntityLoan   EntityType = "loan"
	EntityGroup  EntityType = "group"
	EntityCenter EntityType = "center"
	EntityClient EntityType = "client"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityLoan, EntityGroup, EntityCenter, EntityClient:
		return true
	default:
		return false
	}
}

// EntityLink records that an entity's dates follow a window. Links are
// deactivated, never deleted.
type EntityLink struct {
	WindowID   WindowID
	EntityType EntityType
	EntityID   string
	Active     bool
}

// ActiveLinks filters links down to the active ones.
func ActiveLinks(links []EntityLink) []EntityLink {
	var out []EntityLink
	for _, l := range links {
		if l.Active {
			out = append(out, l)
		}
	}
	return out
}

// SharedWith reports whether any active link other than the given entity
// exists, i.e. a cadence change would reach someone else.
func SharedWith(links []EntityLink, entityType EntityType, entityID string) bool {
	for _, l := range links {
		if !l.Active {
			continue
		}
		if l.EntityType != entityType || l.EntityID != entityID {
			return true
		}
	}
	return false
}

// =============================================================================
// STORE
// =============================================================================

// Store persists windows and the sync table. SaveWindow writes the window
// and its history together.
type Store interface {
	GetWindow(ctx context.Context, id WindowID) (*Window, error)
	SaveWindow(ctx context.Context, w *Window) error
	ListLinks(ctx context.Context, id WindowID) ([]EntityLink, error)
	SaveLink(ctx context.Context, link EntityLink) error
}
