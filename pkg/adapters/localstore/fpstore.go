package localstore

import (
	"context"
	"sort"
	"time"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// FPStore keeps false-positive events in fp-events.json.
type FPStore struct {
	f     *jsonFile
	clock Clock
}

var _ adapters.FPStore = (*FPStore)(nil)

// eventTTL mirrors the retention applied by managed table stores.
const eventTTL = 90 * 24 * time.Hour

func (s *FPStore) RecordEvent(ctx context.Context, event adapters.FPEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	var events []adapters.FPEvent
	if err := s.f.load(&events); err != nil {
		return adapters.NewStoreError("localstore.fp", "load", err)
	}
	for _, e := range events {
		if e.EventID == event.EventID {
			return adapters.ErrDuplicateEvent
		}
	}
	events = append(events, event)
	if err := s.f.save(events); err != nil {
		return adapters.NewStoreError("localstore.fp", "save", err, "eventId", event.EventID)
	}
	return nil
}

func (s *FPStore) MarkFalsePositive(ctx context.Context, findingID, reviewedBy, ticket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	var events []adapters.FPEvent
	if err := s.f.load(&events); err != nil {
		return adapters.NewStoreError("localstore.fp", "load", err)
	}
	for i := range events {
		if events[i].FindingID != findingID {
			continue
		}
		now := s.clock.Now()
		events[i].IsFalsePositive = true
		events[i].ReviewedBy = reviewedBy
		events[i].SuppressionTicket = ticket
		events[i].ReviewedAt = &now
		if err := s.f.save(events); err != nil {
			return adapters.NewStoreError("localstore.fp", "save", err, "findingId", findingID)
		}
		return nil
	}
	return adapters.ErrNotFound
}

func (s *FPStore) WindowByCount(ctx context.Context, ruleID string, n int) (*adapters.FPWindow, error) {
	events, err := s.ruleEvents(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if len(events) > n {
		events = events[:n]
	}
	return adapters.ComputeWindow(ruleID, events), nil
}

func (s *FPStore) WindowSince(ctx context.Context, ruleID string, since time.Time) (*adapters.FPWindow, error) {
	events, err := s.ruleEvents(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	kept := events[:0]
	for _, e := range events {
		if !e.Timestamp.Before(since) {
			kept = append(kept, e)
		}
	}
	return adapters.ComputeWindow(ruleID, kept), nil
}

func (s *FPStore) IsFalsePositive(ctx context.Context, ruleID, findingID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	var events []adapters.FPEvent
	if err := s.f.load(&events); err != nil {
		return false, adapters.NewStoreError("localstore.fp", "load", err)
	}
	for _, e := range events {
		if e.FindingID == findingID && (ruleID == "" || e.RuleID == ruleID) {
			return e.IsFalsePositive, nil
		}
	}
	return false, nil
}

// ruleEvents returns this rule's unexpired events, newest first.
func (s *FPStore) ruleEvents(ctx context.Context, ruleID string) ([]adapters.FPEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()

	var all []adapters.FPEvent
	if err := s.f.load(&all); err != nil {
		return nil, adapters.NewStoreError("localstore.fp", "load", err)
	}
	cutoff := s.clock.Now().Add(-eventTTL)
	var events []adapters.FPEvent
	for _, e := range all {
		if e.RuleID == ruleID && e.Timestamp.After(cutoff) {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.After(events[j].Timestamp) })
	return events, nil
}
