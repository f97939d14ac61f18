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

// Package cachedfile provides an actor over a JSON-backed file: an in-memory
// snapshot served to readers, atomic writes, and merge patching that skips
// the write entirely when the merged content is byte-identical to the
// snapshot. The skip avoids write amplification on flash-backed devices and
// is observable behavior callers rely on.
package cachedfile

import (
	"fmt"
	"os"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/spf13/afero"

	"fleetd/pkg/agenterr"
	"fleetd/pkg/fsutil"
)

const mailboxSize = 16

// file is the single-threaded state the worker owns.
type file struct {
	fs      afero.Fs
	path    string
	mode    os.FileMode
	content []byte // current JSON snapshot; nil when nothing is cached
}

func (f *file) read() ([]byte, error) {
	if f.content == nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, os.ErrNotExist)
	}
	out := make([]byte, len(f.content))
	copy(out, f.content)
	return out, nil
}

func (f *file) write(content []byte) error {
	if err := fsutil.WriteFileAtomic(f.fs, f.path, content, f.mode, fsutil.OverwriteAllow); err != nil {
		return err
	}
	f.content = append([]byte(nil), content...)
	return nil
}

// patch merges partial into the snapshot per RFC 7386 and persists the
// result, unless the merge is a no-op. The patch succeeds even when the
// backing file was deleted out from under us: the snapshot is authoritative.
func (f *file) patch(partial []byte) (changed bool, err error) {
	base := f.content
	if base == nil {
		base = []byte("{}")
	}

	merged, err := jsonpatch.MergePatch(base, partial)
	if err != nil {
		return false, fmt.Errorf("merging patch into %s: %w", f.path, err)
	}

	if f.content != nil && jsonpatch.Equal(base, merged) {
		return false, nil
	}
	if err := f.write(merged); err != nil {
		return false, err
	}
	return true, nil
}

type command struct {
	run  func(f *file)
	done chan struct{}
}

// File is the concurrent handle over the cached file. Same mailbox shape as
// the concurrent cache: a worker goroutine owns the state, callers cross by
// value.
type File struct {
	path     string
	commands chan command

	mu     sync.RWMutex
	closed bool
	joined chan struct{}
}

// Open loads the file's current content (if any) and spawns the worker.
func Open(fs afero.Fs, path string, mode os.FileMode) (*File, error) {
	f := &file{fs: fs, path: path, mode: mode}

	data, err := afero.ReadFile(fs, path)
	switch {
	case err == nil:
		f.content = data
	case os.IsNotExist(err):
		// Starts empty; the first write creates it.
	default:
		return nil, fmt.Errorf("opening cached file %s: %w", path, err)
	}

	h := &File{
		path:     path,
		commands: make(chan command, mailboxSize),
		joined:   make(chan struct{}),
	}
	go h.worker(f)
	return h, nil
}

func (h *File) worker(f *file) {
	defer close(h.joined)
	for cmd := range h.commands {
		cmd.run(f)
		close(cmd.done)
	}
}

func (h *File) exec(run func(f *file)) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return fmt.Errorf("cached file %s: %w", h.path, agenterr.ErrShutDown)
	}
	cmd := command{run: run, done: make(chan struct{})}
	h.commands <- cmd
	h.mu.RUnlock()

	<-cmd.done
	return nil
}

// Read returns a copy of the current content. os.ErrNotExist when nothing
// has ever been written or loaded.
func (h *File) Read() ([]byte, error) {
	var (
		out []byte
		err error
	)
	if execErr := h.exec(func(f *file) {
		out, err = f.read()
	}); execErr != nil {
		return nil, execErr
	}
	return out, err
}

// Write replaces the full content atomically.
func (h *File) Write(content []byte) error {
	var err error
	if execErr := h.exec(func(f *file) {
		err = f.write(content)
	}); execErr != nil {
		return execErr
	}
	return err
}

// Patch applies a JSON merge patch. Returns whether anything was written:
// a merge that yields byte-identical content performs zero filesystem writes.
func (h *File) Patch(partial []byte) (bool, error) {
	var (
		changed bool
		err     error
	)
	if execErr := h.exec(func(f *file) {
		changed, err = f.patch(partial)
	}); execErr != nil {
		return false, execErr
	}
	return changed, err
}

// Shutdown stops the worker. Idempotent; later commands fail with a distinct
// error.
func (h *File) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.commands)
	h.mu.Unlock()
	<-h.joined
}
