// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

// Package relation holds the data published by each integration endpoint the
// tracking server is bound to. It is pure data: no validation happens here.
package relation

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// DefaultSchemaVersion is assumed when a payload arrives without a version tag.
const DefaultSchemaVersion = "v1"

// Binding is one named integration point and its current payload.
type Binding struct {
	// Name identifies the binding, e.g. "database".
	Name string
	// Kind groups bindings that can supply the same settings, e.g. two ingress-like bindings.
	Kind string
	// Required bindings must be fully populated before a workload spec is produced.
	Required bool
	// SchemaVersion tags the payload layout.
	SchemaVersion string
	// Payload is nil while the integration has not published anything.
	Payload map[string]string
	// Revision is stamped from a store-wide counter on every Set.
	Revision uint64
	// UpdatedAt is the time of the last Set or Clear.
	UpdatedAt time.Time
}

// Present returns true if the binding currently carries a payload.
func (b Binding) Present() bool {
	return b.Payload != nil
}

func (b Binding) clone() Binding {
	if b.Payload != nil {
		b.Payload = maps.Clone(b.Payload)
	}
	return b
}

// Snapshot is an immutable copy of all bindings taken at one point in time.
type Snapshot struct {
	bindings map[string]Binding
	revision uint64
}

// Get returns the binding with the given name.
func (s Snapshot) Get(name string) (Binding, bool) {
	b, ok := s.bindings[name]
	return b, ok
}

// Names returns all binding names in lexical order.
func (s Snapshot) Names() []string {
	return slices.Sorted(maps.Keys(s.bindings))
}

// OfKind returns all bindings of the given kind ordered by name.
func (s Snapshot) OfKind(kind string) []Binding {
	var out []Binding
	for _, name := range s.Names() {
		if b := s.bindings[name]; b.Kind == kind {
			out = append(out, b)
		}
	}
	return out
}

// Revision is the highest revision handed out when the snapshot was taken.
func (s Snapshot) Revision() uint64 {
	return s.revision
}

// NewSnapshot builds a snapshot from the given bindings. It is meant for tests
// and for callers that assemble bindings without a Store.
func NewSnapshot(bindings ...Binding) Snapshot {
	s := Snapshot{bindings: make(map[string]Binding, len(bindings))}
	for _, b := range bindings {
		if b.SchemaVersion == "" {
			b.SchemaVersion = DefaultSchemaVersion
		}
		s.bindings[b.Name] = b.clone()
		s.revision = max(s.revision, b.Revision)
	}
	return s
}

// Store is the in-memory relation store.
type Store struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
	revision uint64
	now      func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		bindings: make(map[string]*Binding),
		now:      time.Now,
	}
}

// Declare registers a binding so that its absence is visible to readers.
// Declaring an existing binding updates kind and required flag only.
func (s *Store) Declare(name, kind string, required bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.entry(name)
	b.Kind = kind
	b.Required = required
}

// Get returns a copy of the named binding. The second return value is false if
// the binding is unknown or carries no payload.
func (s *Store) Get(name string) (Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bindings[name]
	if !ok {
		return Binding{}, false
	}
	return b.clone(), b.Present()
}

// Set stores the payload using the default schema version. It never fails.
func (s *Store) Set(name string, payload map[string]string) {
	s.SetVersioned(name, DefaultSchemaVersion, payload)
}

// SetVersioned stores the payload tagged with the given schema version. A nil
// payload is stored as an empty, present payload.
func (s *Store) SetVersioned(name, version string, payload map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version == "" {
		version = DefaultSchemaVersion
	}
	if payload == nil {
		payload = map[string]string{}
	}

	s.revision++
	b := s.entry(name)
	b.SchemaVersion = version
	b.Payload = maps.Clone(payload)
	b.Revision = s.revision
	b.UpdatedAt = s.now()
}

// Clear drops the payload of the named binding. Declared bindings stay known.
func (s *Store) Clear(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bindings[name]
	if !ok {
		return
	}
	s.revision++
	b.Payload = nil
	b.Revision = s.revision
	b.UpdatedAt = s.now()
}

// Snapshot returns a consistent copy of all bindings.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		bindings: make(map[string]Binding, len(s.bindings)),
		revision: s.revision,
	}
	for name, b := range s.bindings {
		snap.bindings[name] = b.clone()
	}
	return snap
}

// entry returns the binding for name, creating an optional one if unknown.
// The caller must hold the write lock.
func (s *Store) entry(name string) *Binding {
	b, ok := s.bindings[name]
	if !ok {
		b = &Binding{Name: name, Kind: name, SchemaVersion: DefaultSchemaVersion}
		s.bindings[name] = b
	}
	return b
}
