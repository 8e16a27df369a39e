package calendar

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/reschedule-engine/generic"
	"github.com/warp/reschedule-engine/recurrence"
)

// =============================================================================
// SERVICE - Window lifecycle over a Store
// =============================================================================

type Service struct {
	store  Store
	clock  generic.Clock
	policy OccurrencePolicy
	log    logrus.FieldLogger
}

type Option func(*Service)

func WithClock(c generic.Clock) Option       { return func(s *Service) { s.clock = c } }
func WithPolicy(p OccurrencePolicy) Option   { return func(s *Service) { s.policy = p } }
func WithLogger(l logrus.FieldLogger) Option { return func(s *Service) { s.log = l } }

func NewService(store Store, opts ...Option) *Service {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	s := &Service{store: store, clock: generic.SystemClock{}, log: discard}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() OccurrencePolicy { return s.policy }

// Create validates and stores a new window.
func (s *Service) Create(ctx context.Context, w Window) (*Window, error) {
	if w.ID == "" {
		w.ID = WindowID(uuid.NewString())
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	today := s.clock.Today()
	w.CreatedOn, w.UpdatedOn = today, today
	w.History = nil

	if err := s.store.SaveWindow(ctx, &w); err != nil {
		return nil, fmt.Errorf("failed to save window: %w", err)
	}
	s.log.WithFields(logrus.Fields{"window_id": w.ID, "kind": w.Kind, "rule": w.Rule.String()}).Info("window created")
	return &w, nil
}

func (s *Service) Get(ctx context.Context, id WindowID) (*Window, error) {
	return s.store.GetWindow(ctx, id)
}

// MoveAnchor re-anchors a window. History is archived when any entity is
// actively synced to it.
func (s *Service) MoveAnchor(ctx context.Context, id WindowID, newAnchor generic.Date) (*Window, RuleUpdate, error) {
	return s.update(ctx, id, func(w *Window, synced bool) (RuleUpdate, error) {
		return w.MoveAnchor(newAnchor, s.clock.Today(), synced)
	})
}

// ChangeRule replaces the window's rule from effectiveFrom.
func (s *Service) ChangeRule(ctx context.Context, id WindowID, rule recurrence.Rule, effectiveFrom generic.Date) (*Window, RuleUpdate, error) {
	return s.update(ctx, id, func(w *Window, synced bool) (RuleUpdate, error) {
		return w.ChangeRule(rule, effectiveFrom, s.clock.Today(), synced)
	})
}

func (s *Service) update(ctx context.Context, id WindowID, fn func(*Window, bool) (RuleUpdate, error)) (*Window, RuleUpdate, error) {
	w, err := s.store.GetWindow(ctx, id)
	if err != nil {
		return nil, RuleUpdate{}, err
	}
	links, err := s.store.ListLinks(ctx, id)
	if err != nil {
		return nil, RuleUpdate{}, fmt.Errorf("failed to load window links: %w", err)
	}

	update, err := fn(w, len(ActiveLinks(links)) > 0)
	if err != nil {
		return nil, RuleUpdate{}, err
	}
	w.UpdatedOn = s.clock.Today()
	if err := s.store.SaveWindow(ctx, w); err != nil {
		return nil, RuleUpdate{}, fmt.Errorf("failed to save window: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"window_id":  w.ID,
		"from":       update.PreviousAnchor,
		"to":         update.Anchor,
		"rule":       update.Rule.String(),
		"historized": update.Snapshot.IsPresent(),
	}).Info("window re-anchored")
	return w, update, nil
}

// IsValidOccurrence checks date against the window with the service policy.
func (s *Service) IsValidOccurrence(ctx context.Context, id WindowID, date generic.Date) (bool, error) {
	w, err := s.store.GetWindow(ctx, id)
	if err != nil {
		return false, err
	}
	return w.IsValidOccurrence(date, s.policy), nil
}

// Occurrences lists valid dates in [from, to).
func (s *Service) Occurrences(ctx context.Context, id WindowID, from, to generic.Date) ([]generic.Date, error) {
	if !from.Before(to) {
		return nil, &generic.DateRangeError{Field: "to", Date: to, Bound: from, Message: "range end must be after its start"}
	}
	w, err := s.store.GetWindow(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.Occurrences(from, to, s.policy), nil
}

// Link syncs (or, with Active=false, unsyncs) an entity to a window.
func (s *Service) Link(ctx context.Context, link EntityLink) error {
	if !link.EntityType.Valid() {
		return &generic.ValidationError{Field: "entity_type", Code: "invalid_entity_type", Message: fmt.Sprintf("unknown entity type %q", link.EntityType)}
	}
	if link.EntityID == "" {
		return &generic.ValidationError{Field: "entity_id", Code: "required", Message: "entity id is required"}
	}
	if _, err := s.store.GetWindow(ctx, link.WindowID); err != nil {
		return err
	}
	if err := s.store.SaveLink(ctx, link); err != nil {
		return fmt.Errorf("failed to save window link: %w", err)
	}
	s.log.WithFields(logrus.Fields{"window_id": link.WindowID, "entity": link.EntityType, "entity_id": link.EntityID, "active": link.Active}).Debug("window link saved")
	return nil
}

// Links returns the sync table rows for a window.
func (s *Service) Links(ctx context.Context, id WindowID) ([]EntityLink, error) {
	return s.store.ListLinks(ctx, id)
}
