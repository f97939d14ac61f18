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

package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"

	"fleetd/pkg/agenterr"
	"fleetd/pkg/fsutil"
)

// mailboxSize bounds the command queue. Callers block when the worker lags;
// that backpressure is intentional.
const mailboxSize = 64

// command is one mailbox message. run executes on the worker goroutine; done
// is closed when it has finished.
type command[V any] struct {
	run  func(m *memCache[V])
	done chan struct{}
}

// Cache is the concurrent handle over a single-threaded memCache.
//
// All mutation happens inside the worker goroutine. Callers cross the mailbox
// by value: entries are copied on the way in and out, and no cache value is
// ever referenced by pointer across the boundary.
type Cache[V any] struct {
	name     string
	commands chan command[V]

	mu     sync.RWMutex // guards closed
	closed bool
	joined chan struct{}
}

// Options configures a cache.
type Options[V any] struct {
	// Capacity bounds the entry count; writes beyond it trigger LRU
	// eviction. Zero or negative means unbounded.
	Capacity int

	// Valid marks entries as prunable (expired tokens, archived
	// deployments past retention). Nil keeps everything valid.
	Valid ValidFunc[V]

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New spawns the worker and returns the handle. Shutdown must be called to
// join it.
func New[V any](name string, opts Options[V]) *Cache[V] {
	c := &Cache[V]{
		name:     name,
		commands: make(chan command[V], mailboxSize),
		joined:   make(chan struct{}),
	}
	mem := newMemCache[V](opts.Capacity, opts.Valid, opts.Now)
	go c.worker(mem)
	return c
}

// worker owns the memCache and serves commands in receive order.
func (c *Cache[V]) worker(mem *memCache[V]) {
	defer close(c.joined)
	for cmd := range c.commands {
		cmd.run(mem)
		close(cmd.done)
	}
}

// exec sends one command and waits for its reply. Commands sent after
// Shutdown fail with agenterr.ErrShutDown.
func (c *Cache[V]) exec(run func(m *memCache[V])) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return fmt.Errorf("cache %s: %w", c.name, agenterr.ErrShutDown)
	}
	cmd := command[V]{run: run, done: make(chan struct{})}
	c.commands <- cmd
	c.mu.RUnlock()

	<-cmd.done
	return nil
}

// Shutdown stops the worker. Idempotent. Pending commands still execute;
// later ones fail with a distinct error.
func (c *Cache[V]) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.commands)
	c.mu.Unlock()
	<-c.joined
}

// ReadEntry returns the entry for key, touching its last-accessed time.
func (c *Cache[V]) ReadEntry(key string) (Entry[V], error) {
	var (
		entry Entry[V]
		err   error
	)
	if execErr := c.exec(func(m *memCache[V]) {
		entry, err = m.readEntry(key)
	}); execErr != nil {
		return entry, execErr
	}
	return entry, err
}

// Read returns the value for key, touching its last-accessed time.
func (c *Cache[V]) Read(key string) (V, error) {
	entry, err := c.ReadEntry(key)
	return entry.Value, err
}

// ReadEntryOptional returns nil instead of failing for a missing key.
func (c *Cache[V]) ReadEntryOptional(key string) (*Entry[V], error) {
	var entry *Entry[V]
	if err := c.exec(func(m *memCache[V]) {
		entry = m.readEntryOptional(key)
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// ReadOptional returns nil instead of failing for a missing key.
func (c *Cache[V]) ReadOptional(key string) (*V, error) {
	entry, err := c.ReadEntryOptional(key)
	if err != nil || entry == nil {
		return nil, err
	}
	v := entry.Value
	return &v, nil
}

// Write stores value under key. isDirty decides the new entry's dirty flag
// (nil keeps it clean). overwrite selects Deny or Allow semantics for
// existing keys. Created-at is preserved across overwrites.
func (c *Cache[V]) Write(key string, value V, isDirty IsDirtyFunc[V], overwrite fsutil.Overwrite) error {
	var err error
	if execErr := c.exec(func(m *memCache[V]) {
		_, err = m.write(key, value, isDirty, overwrite == fsutil.OverwriteAllow)
	}); execErr != nil {
		return execErr
	}
	return err
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Cache[V]) Delete(key string) error {
	return c.exec(func(m *memCache[V]) {
		m.delete(key)
	})
}

// Prune drops every entry the validity predicate rejects and returns how
// many were removed.
func (c *Cache[V]) Prune() (int, error) {
	var removed int
	err := c.exec(func(m *memCache[V]) {
		removed = m.prune()
	})
	return removed, err
}

// Size returns the entry count.
func (c *Cache[V]) Size() (int, error) {
	var n int
	err := c.exec(func(m *memCache[V]) {
		n = len(m.entries)
	})
	return n, err
}

// Entries snapshots all entries without touching last-accessed.
func (c *Cache[V]) Entries() ([]Entry[V], error) {
	var out []Entry[V]
	err := c.exec(func(m *memCache[V]) {
		for _, e := range m.entries {
			out = append(out, e)
		}
	})
	return out, err
}

// Values snapshots all values without touching last-accessed.
func (c *Cache[V]) Values() ([]V, error) {
	entries, err := c.Entries()
	if err != nil {
		return nil, err
	}
	out := make([]V, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Value)
	}
	return out, nil
}

// EntryMap snapshots the cache as key -> entry.
func (c *Cache[V]) EntryMap() (map[string]Entry[V], error) {
	var out map[string]Entry[V]
	err := c.exec(func(m *memCache[V]) {
		out = m.entryMap()
	})
	return out, err
}

// ValueMap snapshots the cache as key -> value.
func (c *Cache[V]) ValueMap() (map[string]V, error) {
	entries, err := c.EntryMap()
	if err != nil {
		return nil, err
	}
	out := make(map[string]V, len(entries))
	for k, e := range entries {
		out[k] = e.Value
	}
	return out, nil
}

// FindEntriesWhere returns the entries matching pred, touching each match.
// pred runs on the worker goroutine and must be side-effect-free.
func (c *Cache[V]) FindEntriesWhere(pred func(Entry[V]) bool) ([]Entry[V], error) {
	var out []Entry[V]
	err := c.exec(func(m *memCache[V]) {
		out = m.findEntriesWhere(pred)
	})
	return out, err
}

// FindWhere returns the values matching pred, touching each match.
func (c *Cache[V]) FindWhere(pred func(Entry[V]) bool) ([]V, error) {
	entries, err := c.FindEntriesWhere(pred)
	if err != nil {
		return nil, err
	}
	out := make([]V, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Value)
	}
	return out, nil
}

// FindOneEntryWhere expects at most one match: nil for none, an error for
// two or more.
func (c *Cache[V]) FindOneEntryWhere(pred func(Entry[V]) bool) (*Entry[V], error) {
	var (
		entry *Entry[V]
		err   error
	)
	if execErr := c.exec(func(m *memCache[V]) {
		entry, err = m.findOneEntryWhere(pred)
	}); execErr != nil {
		return nil, execErr
	}
	return entry, err
}

// FindOneWhere expects at most one match and returns its value.
func (c *Cache[V]) FindOneWhere(pred func(Entry[V]) bool) (*V, error) {
	entry, err := c.FindOneEntryWhere(pred)
	if err != nil || entry == nil {
		return nil, err
	}
	v := entry.Value
	return &v, nil
}

// GetDirtyEntries snapshots the entries whose dirty flag is set.
func (c *Cache[V]) GetDirtyEntries() ([]Entry[V], error) {
	var out []Entry[V]
	err := c.exec(func(m *memCache[V]) {
		out = m.dirtyEntries()
	})
	return out, err
}

// Load replaces the cache contents with the snapshot persisted at path.
// A missing file leaves the cache empty.
func (c *Cache[V]) Load(fs afero.Fs, path string) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("loading cache %s: %w", c.name, err)
	}

	var entries map[string]Entry[V]
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decoding cache %s: %w", c.name, err)
	}

	return c.exec(func(m *memCache[V]) {
		m.entries = entries
		if m.entries == nil {
			m.entries = make(map[string]Entry[V])
		}
		m.evictOverCapacity()
	})
}

// Flush writes the cache snapshot to path atomically.
func (c *Cache[V]) Flush(fs afero.Fs, path string) error {
	entries, err := c.EntryMap()
	if err != nil {
		return err
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding cache %s: %w", c.name, err)
	}
	if err := fsutil.WriteFileAtomic(fs, path, data, 0o644, fsutil.OverwriteAllow); err != nil {
		return fmt.Errorf("flushing cache %s: %w", c.name, err)
	}
	return nil
}
