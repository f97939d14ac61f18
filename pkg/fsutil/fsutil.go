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

// Package fsutil provides the scoped filesystem primitives used by the agent:
// atomic file writes, directory swaps with rollback, and empty-directory
// reaping. All operations go through an afero.Fs so tests can inject faults
// at any filesystem step.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"fleetd/pkg/agenterr"
)

// Overwrite controls whether a write may replace an existing file.
type Overwrite int

const (
	// OverwriteDeny refuses to replace an existing file. The check is a
	// pre-check followed by a rename, so it has an unavoidable TOCTOU window
	// on POSIX. Callers that need strict at-most-once creation must layer
	// their own coordination.
	OverwriteDeny Overwrite = iota

	// OverwriteAllow replaces an existing file.
	OverwriteAllow
)

// ErrExists is returned by OverwriteDeny writes when the target already exists.
var ErrExists = errors.New("target already exists")

// WriteFileAtomic writes data to path by writing a sibling temp file, syncing
// it, and renaming it into place. Parent directories are created as needed.
// The temp file and the target must be on the same filesystem so the rename
// is atomic.
func WriteFileAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode, overwrite Overwrite) error {
	if overwrite == OverwriteDeny {
		exists, err := afero.Exists(fs, path)
		if err != nil {
			return fmt.Errorf("checking %s: %w", path, err)
		}
		if exists {
			return fmt.Errorf("writing %s: %w", path, ErrExists)
		}
	}

	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", path, err)
	}

	tmp, err := afero.TempFile(fs, dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = fs.Remove(tmpName)
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = fs.Remove(tmpName)
		return fmt.Errorf("syncing temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("closing temp file for %s: %w", path, err)
	}

	if err := fs.Chmod(tmpName, perm); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("setting mode on temp file for %s: %w", path, err)
	}

	if err := fs.Rename(tmpName, path); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("renaming temp file into %s: %w", path, err)
	}
	return nil
}

// SwapDir replaces current with next in two renames: current moves to trash,
// next moves to current. All three paths must be siblings on the same
// filesystem. On a failed second rename the first one is undone; if that
// rollback fails too, a RollbackError carrying both causes and the trash path
// is returned and the trash directory is left in place for diagnostics.
func SwapDir(fs afero.Fs, current, next, trash string) error {
	currentExists, err := afero.DirExists(fs, current)
	if err != nil {
		return fmt.Errorf("checking %s: %w", current, err)
	}

	if currentExists {
		if err := fs.Rename(current, trash); err != nil {
			return fmt.Errorf("moving %s aside: %w", current, err)
		}
	}

	if err := fs.Rename(next, current); err != nil {
		if !currentExists {
			return fmt.Errorf("moving %s into place: %w", next, err)
		}
		if rbErr := fs.Rename(trash, current); rbErr != nil {
			return &agenterr.RollbackError{
				Primary:   err,
				Rollback:  rbErr,
				TrashPath: trash,
			}
		}
		return fmt.Errorf("moving %s into place (rolled back): %w", next, err)
	}
	return nil
}

// ReapEmptyDirs removes dir and its now-empty ancestors up to (not including)
// root. Iterative on purpose: deployment trees can be deep.
func ReapEmptyDirs(fs afero.Fs, root, dir string) error {
	root = filepath.Clean(root)
	for cur := filepath.Clean(dir); cur != root && strings.HasPrefix(cur, root); cur = filepath.Dir(cur) {
		entries, err := afero.ReadDir(fs, cur)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("listing %s: %w", cur, err)
		}
		if len(entries) > 0 {
			return nil
		}
		if err := fs.Remove(cur); err != nil {
			return fmt.Errorf("removing %s: %w", cur, err)
		}
	}
	return nil
}

// SanitizeRelPath maps every path segment of rel onto the safe alphabet
// [A-Za-z0-9._-], replacing other characters with '_'. Absolute prefixes and
// parent references are neutralized the same way, so the result always stays
// below the directory it is joined to.
func SanitizeRelPath(rel string) string {
	segments := strings.Split(filepath.ToSlash(rel), "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "" || seg == "." {
			continue
		}
		out = append(out, sanitizeSegment(seg))
	}
	return filepath.Join(out...)
}

func sanitizeSegment(seg string) string {
	if seg == ".." {
		return "__"
	}
	var b strings.Builder
	b.Grow(len(seg))
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
