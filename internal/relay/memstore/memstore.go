// Package memstore provides an in-memory implementation of relay.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/linnemanlabs/alertrelay/internal/relay"
)

// Store holds alerts in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	alerts map[string]*relay.Alert // alert ID -> alert with actions
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{alerts: make(map[string]*relay.Alert)}
}

// Save stores a copy of the alert and its actions.
func (s *Store) Save(_ context.Context, a *relay.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := a.Clone()
	// keep actions the caller did not send, same as an upsert that never deletes
	if prev, ok := s.alerts[a.ID]; ok {
		for _, act := range prev.Actions {
			if cp.Action(act.Kind) == nil {
				cp.Actions = append(cp.Actions, act)
			}
		}
	}
	cp.SortActions()
	s.alerts[a.ID] = cp
	return nil
}

// Get retrieves an alert by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*relay.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// Query returns copies of matching alerts, newest first.
func (s *Store) Query(_ context.Context, f relay.Filter) ([]*relay.Alert, error) {
	s.mu.RLock()
	out := make([]*relay.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if f.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// RecordAction upserts one action of an existing alert.
func (s *Store) RecordAction(_ context.Context, act *relay.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[act.AlertID]
	if !ok {
		return fmt.Errorf("record action: %w: %s", relay.ErrNotFound, act.AlertID)
	}
	if cur := a.Action(act.Kind); cur != nil {
		*cur = *act
		return nil
	}
	a.Actions = append(a.Actions, *act)
	a.SortActions()
	return nil
}

// DeliveredAction returns the delivered action of the given kind, if any.
func (s *Store) DeliveredAction(_ context.Context, alertID string, kind relay.ActionKind) (*relay.Action, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return nil, false, nil
	}
	act := a.Action(kind)
	if act == nil || act.State != relay.ActionDelivered {
		return nil, false, nil
	}
	cp := *act
	return &cp, true, nil
}
