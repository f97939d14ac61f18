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

package supervisor

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"fleetd/pkg/api"
	"fleetd/pkg/fsutil"
	"fleetd/pkg/store/cache"
	"fleetd/pkg/store/cachedfile"
	"fleetd/pkg/token"
)

// Paths lays out the agent storage root.
type Paths struct {
	Root            string
	ConfigFile      string
	DeviceFile      string
	SettingsFile    string
	AuthDir         string
	TokenFile       string
	PrivateKeyFile  string
	PublicKeyFile   string
	CachesDir       string
	DeploymentsJSON string
	InstancesJSON   string
	ContentDir      string
	DeployDir       string
	StagingDir      string
}

// NewPaths derives every storage path from the root.
func NewPaths(root string) Paths {
	return Paths{
		Root:            root,
		ConfigFile:      filepath.Join(root, "fleetd.yaml"),
		DeviceFile:      filepath.Join(root, "device.json"),
		SettingsFile:    filepath.Join(root, "settings.json"),
		AuthDir:         filepath.Join(root, "auth"),
		TokenFile:       filepath.Join(root, "auth", "token.json"),
		PrivateKeyFile:  filepath.Join(root, "auth", "private_key.pem"),
		PublicKeyFile:   filepath.Join(root, "auth", "public_key.pem"),
		CachesDir:       filepath.Join(root, "caches"),
		DeploymentsJSON: filepath.Join(root, "caches", "deployments.json"),
		InstancesJSON:   filepath.Join(root, "caches", "config_instances.json"),
		ContentDir:      filepath.Join(root, "content"),
		DeployDir:       filepath.Join(root, "deployments"),
		StagingDir:      filepath.Join(root, "staging"),
	}
}

// AppState is everything the workers share: the typed caches, the cached
// files, the device identity, and the signing key. It outlives every worker
// and is torn down last.
type AppState struct {
	Fs    afero.Fs
	Paths Paths

	DeviceID  string
	SessionID string

	Key *rsa.PrivateKey

	Deployments *cache.Cache[api.Deployment]
	Instances   *cache.Cache[api.ConfigInstance]
	Contents    *cache.Cache[json.RawMessage]

	Device   *cachedfile.File
	Settings *cachedfile.File
	Token    *cachedfile.File

	logger *slog.Logger
}

// BuildAppState bootstraps the storage root and spawns every state actor.
//
// Self-heal rules: a missing token with a present key pair is replaced by an
// already-expired placeholder (the refresh worker renews it immediately); a
// missing device record is synthesized from the token's device-id claim.
// A missing private key is fatal, enrollment must provide it.
func BuildAppState(fs afero.Fs, root string, capacity int, logger *slog.Logger) (*AppState, error) {
	paths := NewPaths(root)
	logger = logger.With("component", "app-state")

	for dir, mode := range map[string]os.FileMode{
		paths.Root:       0o755,
		paths.AuthDir:    0o700,
		paths.CachesDir:  0o755,
		paths.ContentDir: 0o755,
		paths.DeployDir:  0o755,
		paths.StagingDir: 0o755,
	} {
		if err := fs.MkdirAll(dir, mode); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	key, err := token.LoadPrivateKey(fs, paths.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("device is not enrolled: %w", err)
	}

	state := &AppState{Fs: fs, Paths: paths, Key: key, logger: logger}

	if state.Token, err = cachedfile.Open(fs, paths.TokenFile, 0o600); err != nil {
		return nil, err
	}
	if _, err := state.Token.Read(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		placeholder, _ := json.Marshal(api.Token{ExpiresAt: time.Unix(0, 0).UTC()})
		if err := state.Token.Write(placeholder); err != nil {
			return nil, fmt.Errorf("synthesizing token file: %w", err)
		}
		logger.Info("synthesized placeholder token", "path", paths.TokenFile)
	}

	if state.Device, err = cachedfile.Open(fs, paths.DeviceFile, 0o644); err != nil {
		return nil, err
	}
	device, err := state.healDevice()
	if err != nil {
		return nil, err
	}
	state.DeviceID = device.ID
	state.SessionID = device.SessionID

	if state.Settings, err = cachedfile.Open(fs, paths.SettingsFile, 0o644); err != nil {
		return nil, err
	}

	state.Deployments = cache.New[api.Deployment]("deployments", cache.Options[api.Deployment]{Capacity: capacity})
	state.Instances = cache.New[api.ConfigInstance]("config-instances", cache.Options[api.ConfigInstance]{Capacity: capacity})
	state.Contents = cache.New[json.RawMessage]("contents", cache.Options[json.RawMessage]{Capacity: capacity})

	if err := state.Deployments.Load(fs, paths.DeploymentsJSON); err != nil {
		return nil, err
	}
	if err := state.Instances.Load(fs, paths.InstancesJSON); err != nil {
		return nil, err
	}
	if err := state.loadContents(); err != nil {
		return nil, err
	}

	logger.Info("app state ready", "device_id", state.DeviceID, "root", root)
	return state, nil
}

// healDevice returns the device record, synthesizing a minimal one from the
// token's device-id claim when the file is missing.
func (s *AppState) healDevice() (api.Device, error) {
	var device api.Device

	raw, err := s.Device.Read()
	if err == nil {
		if jerr := json.Unmarshal(raw, &device); jerr != nil {
			return device, fmt.Errorf("decoding device record: %w", jerr)
		}
		if device.ID == "" {
			return device, fmt.Errorf("device record %s has no id", s.Paths.DeviceFile)
		}
		return device, nil
	}

	var tok api.Token
	if rawTok, terr := s.Token.Read(); terr == nil {
		_ = json.Unmarshal(rawTok, &tok)
	}
	id, cerr := token.DeviceIDClaim(tok.Token)
	if cerr != nil {
		return device, fmt.Errorf("device record missing and not recoverable from token: %w", err)
	}

	device = api.Device{ID: id, Status: api.DeviceStatusOffline}
	data, _ := json.Marshal(device)
	if werr := s.Device.Write(data); werr != nil {
		return device, fmt.Errorf("synthesizing device record: %w", werr)
	}
	s.logger.Info("synthesized device record from token claim", "device_id", id)
	return device, nil
}

// loadContents restores the content cache from content/<id>.json files.
func (s *AppState) loadContents() error {
	infos, err := afero.ReadDir(s.Fs, s.Paths.ContentDir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", s.Paths.ContentDir, err)
	}

	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := afero.ReadFile(s.Fs, filepath.Join(s.Paths.ContentDir, name))
		if err != nil {
			return fmt.Errorf("reading content file %s: %w", name, err)
		}
		id := strings.TrimSuffix(name, ".json")
		if err := s.Contents.Write(id, json.RawMessage(data), cache.DirtyNever[json.RawMessage], fsutil.OverwriteAllow); err != nil {
			return fmt.Errorf("restoring content %s: %w", id, err)
		}
	}
	return nil
}

// flushContents persists each cached content under content/<id>.json.
func (s *AppState) flushContents() error {
	entries, err := s.Contents.Entries()
	if err != nil {
		return fmt.Errorf("enumerating contents: %w", err)
	}

	var errs *multierror.Error
	for _, entry := range entries {
		name := fsutil.SanitizeRelPath(entry.Key) + ".json"
		path := filepath.Join(s.Paths.ContentDir, name)
		if err := fsutil.WriteFileAtomic(s.Fs, path, entry.Value, 0o644, fsutil.OverwriteAllow); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("flushing content %s: %w", entry.Key, err))
		}
	}
	return errs.ErrorOrNil()
}

// Shutdown flushes every cache to its backing file and stops all state
// actors. Callers must have joined every worker first.
func (s *AppState) Shutdown() error {
	var errs *multierror.Error

	stamp, _ := json.Marshal(map[string]string{
		"last_shutdown_at": time.Now().UTC().Format(time.RFC3339),
	})
	if _, err := s.Settings.Patch(stamp); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("stamping settings: %w", err))
	}

	if err := s.Deployments.Flush(s.Fs, s.Paths.DeploymentsJSON); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.Instances.Flush(s.Fs, s.Paths.InstancesJSON); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.flushContents(); err != nil {
		errs = multierror.Append(errs, err)
	}

	s.Deployments.Shutdown()
	s.Instances.Shutdown()
	s.Contents.Shutdown()
	s.Device.Shutdown()
	s.Settings.Shutdown()
	s.Token.Shutdown()

	s.logger.Info("app state shut down")
	return errs.ErrorOrNil()
}
