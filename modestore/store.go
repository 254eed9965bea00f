// Package modestore keeps the per-client scenario assignments consulted by
// every accepted connection.
//
// Reads are lock-free: assignments live in a sync.Map and the fallback
// scenario in an atomic. Expired assignments are removed lazily by the
// reader that finds them.
package modestore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotFound         = errors.New("assignment not found")
	ErrInvalidExtension = errors.New("invalid extension")
)

const (
	MinExtension = 60 * time.Second
	MaxExtension = time.Hour
	// MaxHorizon bounds how far into the future Extend may push an expiry.
	MaxHorizon = time.Hour
)

// Source tells where a decided scenario came from.
type Source string

const (
	SourceOverride Source = "override"
	SourceDefault  Source = "default"
)

// Assignment is a scenario override for one client identifier.
type Assignment struct {
	Identifier string    `json:"identifier"`
	Scenario   Scenario  `json:"scenario"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"` // zero means never
	Session    string    `json:"session,omitempty"`    // session the override was armed for
}

// Expired reports whether the assignment is no longer valid at now.
func (a *Assignment) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// Decision is the outcome of looking up an identifier.
type Decision struct {
	Scenario  Scenario
	Source    Source
	Session   string
	ExpiresAt time.Time
}

// Store maps client identifiers to scenarios.
type Store struct {
	entries  sync.Map // string -> *Assignment
	fallback atomic.Uint32
	now      func() time.Time
}

// New creates a store whose fallback scenario is def.
func New(def Scenario) (*Store, error) {
	if !def.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidScenario, uint8(def))
	}
	s := &Store{now: time.Now}
	s.fallback.Store(uint32(def))
	return s, nil
}

// Set installs scenario for identifier for ttl. A ttl <= 0 never expires.
func (s *Store) Set(identifier string, scenario Scenario, ttl time.Duration) error {
	return s.SetArmed(identifier, scenario, ttl, "")
}

// SetArmed is Set with the session token the override was armed for.
func (s *Store) SetArmed(identifier string, scenario Scenario, ttl time.Duration, session string) error {
	if !scenario.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidScenario, uint8(scenario))
	}
	a := &Assignment{
		Identifier: identifier,
		Scenario:   scenario,
		Session:    session,
	}
	if ttl > 0 {
		a.ExpiresAt = s.now().Add(ttl)
	}
	s.entries.Store(identifier, a)
	return nil
}

// Get returns the live override for identifier, else the fallback.
func (s *Store) Get(identifier string) Scenario {
	return s.Decide(identifier).Scenario
}

// Decide is Get with provenance.
func (s *Store) Decide(identifier string) Decision {
	if a, ok := s.lookup(identifier); ok {
		return Decision{
			Scenario:  a.Scenario,
			Source:    SourceOverride,
			Session:   a.Session,
			ExpiresAt: a.ExpiresAt,
		}
	}
	return Decision{Scenario: s.Default(), Source: SourceDefault}
}

func (s *Store) lookup(identifier string) (*Assignment, bool) {
	v, ok := s.entries.Load(identifier)
	if !ok {
		return nil, false
	}
	a := v.(*Assignment)
	if a.Expired(s.now()) {
		// Only remove the entry we saw; a newer Set must survive.
		s.entries.CompareAndDelete(identifier, a)
		return nil, false
	}
	return a, true
}

// Lookup returns a copy of the live assignment for identifier.
func (s *Store) Lookup(identifier string) (Assignment, bool) {
	a, ok := s.lookup(identifier)
	if !ok {
		return Assignment{}, false
	}
	return *a, true
}

// SetDefault changes the fallback scenario.
func (s *Store) SetDefault(scenario Scenario) error {
	if !scenario.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidScenario, uint8(scenario))
	}
	s.fallback.Store(uint32(scenario))
	return nil
}

// Default returns the fallback scenario.
func (s *Store) Default() Scenario {
	return Scenario(s.fallback.Load())
}

// Delete removes the override for identifier.
func (s *Store) Delete(identifier string) bool {
	_, loaded := s.entries.LoadAndDelete(identifier)
	return loaded
}

// Extend pushes the expiry of a live override by add. The new expiry never
// lies more than MaxHorizon past now. Overrides without expiry are returned
// unchanged.
func (s *Store) Extend(identifier string, add time.Duration) (Assignment, error) {
	if add < MinExtension || add > MaxExtension {
		return Assignment{}, fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidExtension, add, MinExtension, MaxExtension)
	}
	for {
		cur, ok := s.lookup(identifier)
		if !ok {
			return Assignment{}, ErrNotFound
		}
		if cur.ExpiresAt.IsZero() {
			return *cur, nil
		}
		now := s.now()
		base := cur.ExpiresAt
		if base.Before(now) {
			base = now
		}
		next := *cur
		next.ExpiresAt = base.Add(add)
		if limit := now.Add(MaxHorizon); next.ExpiresAt.After(limit) {
			next.ExpiresAt = limit
		}
		if s.entries.CompareAndSwap(identifier, cur, &next) {
			return next, nil
		}
	}
}

// List returns the live assignments sorted by identifier. Expired entries
// found on the way are dropped.
func (s *Store) List() []Assignment {
	now := s.now()
	var out []Assignment
	s.entries.Range(func(key, value any) bool {
		a := value.(*Assignment)
		if a.Expired(now) {
			s.entries.CompareAndDelete(key, a)
			return true
		}
		out = append(out, *a)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}
