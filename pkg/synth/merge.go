// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package synth

import (
	"maps"
	"slices"

	"go.opendefense.cloud/mlflow-operator/pkg/relation"
)

// origin tells where a merged value came from. An empty binding means static configuration.
type origin struct {
	binding  string
	kind     string
	revision uint64
}

// merger combines static defaults with binding-derived values. Binding values
// always replace static ones. Between bindings the highest revision wins and
// the losing value is recorded as a Conflict.
type merger struct {
	prefix    string
	values    map[string]string
	origins   map[string]origin
	conflicts []Conflict
}

func newMerger(prefix string) *merger {
	return &merger{
		prefix:  prefix,
		values:  map[string]string{},
		origins: map[string]origin{},
	}
}

func (m *merger) static(key, value string) {
	if o, ok := m.origins[key]; ok && o.binding != "" {
		return
	}
	m.values[key] = value
	m.origins[key] = origin{}
}

func (m *merger) bind(key, value string, b relation.Binding) {
	incoming := origin{binding: b.Name, kind: b.Kind, revision: b.Revision}

	prev, ok := m.origins[key]
	if !ok || prev.binding == "" {
		m.values[key] = value
		m.origins[key] = incoming
		return
	}

	current := m.values[key]
	if current == value {
		if incoming.revision > prev.revision {
			m.origins[key] = incoming
		}
		return
	}

	if incoming.revision > prev.revision {
		m.conflicts = append(m.conflicts, Conflict{
			Setting:       m.prefix + key,
			Kept:          value,
			KeptFrom:      b.Name,
			Discarded:     current,
			DiscardedFrom: prev.binding,
		})
		m.values[key] = value
		m.origins[key] = incoming
		return
	}

	m.conflicts = append(m.conflicts, Conflict{
		Setting:       m.prefix + key,
		Kept:          current,
		KeptFrom:      prev.binding,
		Discarded:     value,
		DiscardedFrom: b.Name,
	})
}

// take removes the given keys from the merge and returns their winning values.
func (m *merger) take(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := m.values[key]; ok {
			out[key] = value
			delete(m.values, key)
			delete(m.origins, key)
		}
	}
	return out
}

func (m *merger) get(key string) string {
	return m.values[key]
}

// split partitions the merged values by whether their winning origin has the given kind.
func (m *merger) split(kind string) (matching, rest map[string]string) {
	matching, rest = map[string]string{}, map[string]string{}
	for key, value := range m.values {
		if m.origins[key].kind == kind {
			matching[key] = value
		} else {
			rest[key] = value
		}
	}
	return matching, rest
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
