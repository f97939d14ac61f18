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

// Package projection materializes a deployment's config instances under the
// deployment root atomically: stage into a fresh directory, swap it into
// place with a trash-and-rename pair, then clean up.
//
// The staging and deployment roots must be siblings on the same filesystem
// so both renames are atomic. Within a single agent the reconciliation loop
// is the only caller; nothing else mutates the deployment subtree.
package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"fleetd/pkg/fsutil"
)

// ContentReader resolves config-instance content by id.
type ContentReader interface {
	ReadContent(ctx context.Context, id string) (json.RawMessage, error)
}

// FileSpec is one file to project: a config-instance id, its sanitized
// target path relative to the deployment root, and its JSON content.
type FileSpec struct {
	InstanceID   string
	RelativePath string
	Content      json.RawMessage
}

// Projector owns the deployment root's filesystem projection.
type Projector struct {
	fs          afero.Fs
	deployRoot  string
	stagingRoot string
	logger      *slog.Logger
}

// New creates a projector. deployRoot and stagingRoot must be siblings on
// the same filesystem.
func New(fs afero.Fs, deployRoot, stagingRoot string, logger *slog.Logger) *Projector {
	return &Projector{
		fs:          fs,
		deployRoot:  deployRoot,
		stagingRoot: stagingRoot,
		logger:      logger.With("component", "projection"),
	}
}

// Resolve reads each instance's content through the reader and builds the
// file specs for Project. A failed read aborts: at that point no filesystem
// state has been touched.
func Resolve(ctx context.Context, reader ContentReader, instances []InstanceRef) ([]FileSpec, error) {
	specs := make([]FileSpec, 0, len(instances))
	for _, inst := range instances {
		content, err := reader.ReadContent(ctx, inst.ID)
		if err != nil {
			return nil, fmt.Errorf("resolving content of config instance %s: %w", inst.ID, err)
		}
		specs = append(specs, FileSpec{
			InstanceID:   inst.ID,
			RelativePath: fsutil.SanitizeRelPath(inst.RelativeFilepath),
			Content:      content,
		})
	}
	return specs, nil
}

// InstanceRef names a config instance and where its file goes.
type InstanceRef struct {
	ID               string
	RelativeFilepath string
}

// Project replaces the deployment root's contents with the given files.
//
// Either the swap lands completely and the new tree is visible, or the old
// tree is untouched. A swap whose rollback also fails surfaces as a
// RollbackError with the trash path kept for diagnostics.
func (p *Projector) Project(ctx context.Context, files []FileSpec) error {
	id := uuid.NewString()
	stagingDir := filepath.Join(p.stagingRoot, id)
	trashDir := filepath.Join(p.stagingRoot, "trash-"+id)

	if err := p.fs.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			p.discardStaging(stagingDir)
			return err
		}
		target := filepath.Join(stagingDir, f.RelativePath)
		if err := fsutil.WriteFileAtomic(p.fs, target, f.Content, 0o644, fsutil.OverwriteAllow); err != nil {
			p.discardStaging(stagingDir)
			return fmt.Errorf("staging config instance %s: %w", f.InstanceID, err)
		}
	}

	if err := p.fs.MkdirAll(filepath.Dir(p.deployRoot), 0o755); err != nil {
		p.discardStaging(stagingDir)
		return fmt.Errorf("creating parent of deployment root: %w", err)
	}

	if err := fsutil.SwapDir(p.fs, p.deployRoot, stagingDir, trashDir); err != nil {
		p.discardStaging(stagingDir)
		return err
	}

	// Cleanup is best-effort: the swap has landed, a lingering trash
	// directory only costs disk.
	if err := p.fs.RemoveAll(trashDir); err != nil {
		p.logger.Warn("failed to remove trash directory", "path", trashDir, "error", err)
	}
	p.reapEmptyDirs()

	p.logger.Debug("projection swapped into place", "files", len(files), "root", p.deployRoot)
	return nil
}

// reapEmptyDirs sweeps directories under the deployment root that hold no
// files, including chains of empty ancestors. Best-effort like the trash
// removal: the swap has already landed.
func (p *Projector) reapEmptyDirs() {
	var empty []string
	err := afero.Walk(p.fs, p.deployRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() || path == p.deployRoot {
			return nil
		}
		entries, rerr := afero.ReadDir(p.fs, path)
		if rerr == nil && len(entries) == 0 {
			empty = append(empty, path)
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("failed to sweep empty directories", "root", p.deployRoot, "error", err)
		return
	}
	for _, dir := range empty {
		if err := fsutil.ReapEmptyDirs(p.fs, p.deployRoot, dir); err != nil {
			p.logger.Warn("failed to reap empty directory", "path", dir, "error", err)
		}
	}
}

// Clear removes the deployment root, used when retiring the active
// deployment without a successor.
func (p *Projector) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.fs.RemoveAll(p.deployRoot); err != nil {
		return fmt.Errorf("clearing deployment root: %w", err)
	}
	return nil
}

func (p *Projector) discardStaging(dir string) {
	if err := p.fs.RemoveAll(dir); err != nil {
		p.logger.Warn("failed to discard staging directory", "path", dir, "error", err)
	}
}
