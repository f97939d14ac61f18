// Copyright 2025 The fleetd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the actor-backed concurrent key/value cache that
// every stateful subsystem of the agent sits on.
//
// The data structure itself (memCache) is single-threaded. An actor worker
// owns it outright and serves command messages from a bounded mailbox in
// receive order, replying on per-command channels. That single serialization
// point is what gives the agent its single-writer invariant: no lock is ever
// held across a cross-cache operation, and filter closures run on the owning
// goroutine.
//
// Closures handed to the cache (dirty predicates, filters) must be
// side-effect-free. The contract is not enforced mechanically.
package cache

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNotFound is returned when a required key is absent.
var ErrNotFound = errors.New("key not found")

// Entry is a cached value with its bookkeeping fields.
type Entry[V any] struct {
	Key          string    `json:"key"`
	Value        V         `json:"value"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	IsDirty      bool      `json:"is_dirty"`
}

// IsDirtyFunc decides the dirty flag of a write. prev is nil when the key had
// no prior entry. Writes that return true mark the entry for the push phase.
type IsDirtyFunc[V any] func(prev *Entry[V], next V) bool

// DirtyNever keeps entries clean; used when mirroring control-plane state.
func DirtyNever[V any](*Entry[V], V) bool { return false }

// DirtyAlways marks every write dirty.
func DirtyAlways[V any](*Entry[V], V) bool { return true }

// ValidFunc reports whether an entry is still valid. Invalid entries are
// evicted first when the cache exceeds capacity and removed by Prune.
type ValidFunc[V any] func(e Entry[V], now time.Time) bool

// memCache is the single-threaded cache the actor worker owns. None of its
// methods are safe for concurrent use; only the worker calls them.
type memCache[V any] struct {
	entries  map[string]Entry[V]
	capacity int
	valid    ValidFunc[V]
	now      func() time.Time
}

func newMemCache[V any](capacity int, valid ValidFunc[V], now func() time.Time) *memCache[V] {
	if now == nil {
		now = time.Now
	}
	return &memCache[V]{
		entries:  make(map[string]Entry[V]),
		capacity: capacity,
		valid:    valid,
		now:      now,
	}
}

// touch refreshes last-accessed and rewrites the entry. Required for LRU
// correctness: every successful read counts as an access.
func (m *memCache[V]) touch(key string) Entry[V] {
	e := m.entries[key]
	e.LastAccessed = m.now()
	m.entries[key] = e
	return e
}

func (m *memCache[V]) readEntry(key string) (Entry[V], error) {
	if _, ok := m.entries[key]; !ok {
		var zero Entry[V]
		return zero, fmt.Errorf("reading %q: %w", key, ErrNotFound)
	}
	return m.touch(key), nil
}

func (m *memCache[V]) readEntryOptional(key string) *Entry[V] {
	if _, ok := m.entries[key]; !ok {
		return nil
	}
	e := m.touch(key)
	return &e
}

func (m *memCache[V]) write(key string, value V, isDirty IsDirtyFunc[V], overwrite bool) (Entry[V], error) {
	now := m.now()
	prev, exists := m.entries[key]

	if exists && !overwrite {
		var zero Entry[V]
		return zero, fmt.Errorf("writing %q: entry exists and overwrite is denied", key)
	}

	entry := Entry[V]{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if exists {
		entry.CreatedAt = prev.CreatedAt
	}

	if isDirty != nil {
		if exists {
			p := prev
			entry.IsDirty = isDirty(&p, value)
		} else {
			entry.IsDirty = isDirty(nil, value)
		}
	}

	m.entries[key] = entry
	m.evictOverCapacity()
	return entry, nil
}

func (m *memCache[V]) delete(key string) {
	delete(m.entries, key)
}

// prune drops entries the validity predicate rejects.
func (m *memCache[V]) prune() int {
	if m.valid == nil {
		return 0
	}
	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if !m.valid(e, now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// evictOverCapacity enforces the LRU bound: invalid entries go first, then
// the oldest by last-accessed until size equals capacity.
func (m *memCache[V]) evictOverCapacity() {
	if m.capacity <= 0 || len(m.entries) <= m.capacity {
		return
	}

	m.prune()
	if len(m.entries) <= m.capacity {
		return
	}

	byAge := make([]Entry[V], 0, len(m.entries))
	for _, e := range m.entries {
		byAge = append(byAge, e)
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].LastAccessed.Before(byAge[j].LastAccessed)
	})

	for _, e := range byAge {
		if len(m.entries) <= m.capacity {
			break
		}
		delete(m.entries, e.Key)
	}
}

func (m *memCache[V]) findEntriesWhere(pred func(Entry[V]) bool) []Entry[V] {
	var out []Entry[V]
	for key, e := range m.entries {
		if pred(e) {
			out = append(out, m.touch(key))
		}
	}
	return out
}

func (m *memCache[V]) findOneEntryWhere(pred func(Entry[V]) bool) (*Entry[V], error) {
	matches := m.findEntriesWhere(pred)
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		e := matches[0]
		return &e, nil
	default:
		return nil, fmt.Errorf("expected at most one match, found %d", len(matches))
	}
}

func (m *memCache[V]) dirtyEntries() []Entry[V] {
	var out []Entry[V]
	for _, e := range m.entries {
		if e.IsDirty {
			out = append(out, e)
		}
	}
	return out
}

func (m *memCache[V]) entryMap() map[string]Entry[V] {
	out := make(map[string]Entry[V], len(m.entries))
	for k, e := range m.entries {
		out[k] = e
	}
	return out
}
