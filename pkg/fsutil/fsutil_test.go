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

package fsutil

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/pkg/agenterr"
)

func TestWriteFileAtomic_CreatesFileAndParents(t *testing.T) {
	fs := afero.NewMemMapFs()

	err := WriteFileAtomic(fs, "/a/b/c.json", []byte(`{"x":1}`), 0o644, OverwriteAllow)
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, "/a/b/c.json")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(data))
}

func TestWriteFileAtomic_OverwriteAllowReplaces(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, WriteFileAtomic(fs, "/f.json", []byte("old"), 0o644, OverwriteAllow))

	require.NoError(t, WriteFileAtomic(fs, "/f.json", []byte("new"), 0o644, OverwriteAllow))

	data, _ := afero.ReadFile(fs, "/f.json")
	assert.Equal(t, "new", string(data))
}

func TestWriteFileAtomic_OverwriteDenyFailsOnExisting(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, WriteFileAtomic(fs, "/f.json", []byte("old"), 0o644, OverwriteAllow))

	err := WriteFileAtomic(fs, "/f.json", []byte("new"), 0o644, OverwriteDeny)
	require.ErrorIs(t, err, ErrExists)

	data, _ := afero.ReadFile(fs, "/f.json")
	assert.Equal(t, "old", string(data))
}

func TestWriteFileAtomic_LeavesNoTempFileBehind(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, WriteFileAtomic(fs, "/dir/f.json", []byte("x"), 0o644, OverwriteAllow))

	infos, err := afero.ReadDir(fs, "/dir")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "f.json", infos[0].Name())
}

func TestSwapDir_ReplacesCurrent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, WriteFileAtomic(fs, "/root/current/old.txt", []byte("old"), 0o644, OverwriteAllow))
	require.NoError(t, WriteFileAtomic(fs, "/root/next/new.txt", []byte("new"), 0o644, OverwriteAllow))

	require.NoError(t, SwapDir(fs, "/root/current", "/root/next", "/root/trash"))

	data, err := afero.ReadFile(fs, "/root/current/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	exists, _ := afero.Exists(fs, "/root/current/old.txt")
	assert.False(t, exists)
}

func TestSwapDir_MissingCurrentIsFine(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, WriteFileAtomic(fs, "/root/next/new.txt", []byte("new"), 0o644, OverwriteAllow))

	require.NoError(t, SwapDir(fs, "/root/current", "/root/next", "/root/trash"))

	exists, _ := afero.Exists(fs, "/root/current/new.txt")
	assert.True(t, exists)
}

// failRenameFs fails renames whose target matches a path.
type failRenameFs struct {
	afero.Fs
	failTo map[string]bool
}

func (f *failRenameFs) Rename(oldname, newname string) error {
	if f.failTo[newname] {
		return errors.New("injected rename fault")
	}
	return f.Fs.Rename(oldname, newname)
}

func TestSwapDir_RollsBackWhenSecondRenameFails(t *testing.T) {
	mem := afero.NewMemMapFs()
	require.NoError(t, WriteFileAtomic(mem, "/root/current/old.txt", []byte("old"), 0o644, OverwriteAllow))
	require.NoError(t, WriteFileAtomic(mem, "/root/next/new.txt", []byte("new"), 0o644, OverwriteAllow))

	fs := &failOnceRenameFs{Fs: mem, failFrom: "/root/next"}
	err := SwapDir(fs, "/root/current", "/root/next", "/root/trash")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rolled back")

	data, rerr := afero.ReadFile(mem, "/root/current/old.txt")
	require.NoError(t, rerr)
	assert.Equal(t, "old", string(data))
}

// failOnceRenameFs fails only the rename moving failFrom into place.
type failOnceRenameFs struct {
	afero.Fs
	failFrom string
}

func (f *failOnceRenameFs) Rename(oldname, newname string) error {
	if oldname == f.failFrom {
		return errors.New("injected rename fault")
	}
	return f.Fs.Rename(oldname, newname)
}

func TestSwapDir_DoubleFailureYieldsRollbackError(t *testing.T) {
	mem := afero.NewMemMapFs()
	require.NoError(t, WriteFileAtomic(mem, "/root/current/old.txt", []byte("old"), 0o644, OverwriteAllow))
	require.NoError(t, WriteFileAtomic(mem, "/root/next/new.txt", []byte("new"), 0o644, OverwriteAllow))

	// Fail both the forward rename and the rollback.
	fs := &failRenameFs{Fs: mem, failTo: map[string]bool{"/root/current": true}}

	err := SwapDir(fs, "/root/current", "/root/next", "/root/trash")
	require.Error(t, err)

	var rbErr *agenterr.RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Equal(t, "/root/trash", rbErr.TrashPath)
	assert.Error(t, rbErr.Primary)
	assert.Error(t, rbErr.Rollback)

	// The previous tree survives in trash for diagnostics.
	data, rerr := afero.ReadFile(mem, "/root/trash/old.txt")
	require.NoError(t, rerr)
	assert.Equal(t, "old", string(data))
}

func TestReapEmptyDirs_RemovesEmptyChain(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/root/a/b/c", 0o755))

	require.NoError(t, ReapEmptyDirs(fs, "/root", "/root/a/b/c"))

	exists, _ := afero.DirExists(fs, "/root/a")
	assert.False(t, exists)
	rootExists, _ := afero.DirExists(fs, "/root")
	assert.True(t, rootExists)
}

func TestReapEmptyDirs_StopsAtNonEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/root/a/b/c", 0o755))
	require.NoError(t, WriteFileAtomic(fs, "/root/a/keep.txt", []byte("x"), 0o644, OverwriteAllow))

	require.NoError(t, ReapEmptyDirs(fs, "/root", "/root/a/b/c"))

	aExists, _ := afero.DirExists(fs, "/root/a")
	assert.True(t, aExists)
	bExists, _ := afero.DirExists(fs, "/root/a/b")
	assert.False(t, bExists)
}

func TestSanitizeRelPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain.json", "plain.json"},
		{"a/b/c.json", "a/b/c.json"},
		{"with space/file.json", "with_space/file.json"},
		{"../../etc/passwd", "__/__/etc/passwd"},
		{"/abs/path.json", "abs/path.json"},
		{"./dot/./x", "dot/x"},
		{"uniçode/fülé", "uni_ode/f_l_"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeRelPath(tt.in), "input %q", tt.in)
	}
}
