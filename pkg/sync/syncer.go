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

// Package sync implements the agent's sync loop: pull desired state from the
// control plane, drive the reconciliation engine, push observed state back,
// and pace the whole thing with an adaptive cooldown.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"fleetd/pkg/agenterr"
	"fleetd/pkg/api"
	"fleetd/pkg/deployment"
	"fleetd/pkg/events"
	"fleetd/pkg/fsutil"
	"fleetd/pkg/metrics"
	"fleetd/pkg/reconcile"
	"fleetd/pkg/store/cache"
	"fleetd/pkg/store/cachedfile"
)

// TokenSource yields the current bearer token.
type TokenSource interface {
	Get(ctx context.Context) (api.Token, error)
}

// CooldownPolicy paces consecutive syncs.
type CooldownPolicy struct {
	Base   time.Duration
	Growth uint32
	Max    time.Duration
}

// DefaultCooldownPolicy mirrors the deployment retry defaults at sync scope.
func DefaultCooldownPolicy() CooldownPolicy {
	return CooldownPolicy{Base: 15 * time.Second, Growth: 2, Max: 24 * time.Hour}
}

// State is the sync loop's published bookkeeping.
type State struct {
	LastAttemptedSyncAt time.Time
	LastSyncedAt        time.Time
	CooldownEndsAt      time.Time
	ErrStreak           uint32
}

// Syncer runs individual sync passes. Safe for concurrent callers: a mutex
// serializes passes, and a direct Sync while another caller's cooldown is
// pending fails with agenterr.ErrInCooldown.
type Syncer struct {
	client      api.Client
	tokens      TokenSource
	deployments *cache.Cache[api.Deployment]
	instances   *cache.Cache[api.ConfigInstance]
	contents    *cache.Cache[json.RawMessage]
	applier     *reconcile.Applier
	device      *cachedfile.File
	version     string
	policy      CooldownPolicy
	broadcast   *events.Broadcaster[Event]
	collectors  *metrics.Agent
	logger      *slog.Logger
	now         func() time.Time

	mu    gosync.Mutex
	state State
}

// Config wires a Syncer.
type Config struct {
	Client       api.Client
	Tokens       TokenSource
	Deployments  *cache.Cache[api.Deployment]
	Instances    *cache.Cache[api.ConfigInstance]
	Contents     *cache.Cache[json.RawMessage]
	Applier      *reconcile.Applier
	Device       *cachedfile.File
	AgentVersion string
	Policy       CooldownPolicy

	// Metrics receives sync pass durations; nil disables instrumentation.
	Metrics *metrics.Agent

	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New creates a Syncer.
func New(cfg Config) *Syncer {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	policy := cfg.Policy
	if policy.Base == 0 {
		policy = DefaultCooldownPolicy()
	}
	return &Syncer{
		client:      cfg.Client,
		tokens:      cfg.Tokens,
		deployments: cfg.Deployments,
		instances:   cfg.Instances,
		contents:    cfg.Contents,
		applier:     cfg.Applier,
		device:      cfg.Device,
		version:     cfg.AgentVersion,
		policy:      policy,
		broadcast:   events.NewBroadcaster[Event](),
		collectors:  cfg.Metrics,
		logger:      cfg.Logger.With("component", "sync"),
		now:         now,
	}
}

// Subscribe returns a latest-value channel of sync events.
func (s *Syncer) Subscribe() <-chan Event {
	return s.broadcast.Subscribe()
}

// State returns a copy of the sync bookkeeping.
func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InCooldown reports whether a sync would currently be refused.
func (s *Syncer) InCooldown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.state.CooldownEndsAt)
}

// SyncIfNotInCooldown runs a sync unless the cooldown window is still open,
// in which case it is a silent no-op.
func (s *Syncer) SyncIfNotInCooldown(ctx context.Context) error {
	if s.InCooldown() {
		s.logger.Debug("sync skipped, cooldown active")
		return nil
	}
	return s.Sync(ctx)
}

// Sync performs one full pass: agent-version push, pull, apply, push. A call
// during cooldown fails with agenterr.ErrInCooldown so explicit triggers
// cannot bypass the pacing policy.
func (s *Syncer) Sync(ctx context.Context) error {
	s.mu.Lock()
	now := s.now()
	if now.Before(s.state.CooldownEndsAt) {
		s.mu.Unlock()
		return fmt.Errorf("sync at %s: %w", now.Format(time.RFC3339), agenterr.ErrInCooldown)
	}
	s.state.LastAttemptedSyncAt = now
	s.mu.Unlock()

	started := time.Now()
	err := s.run(ctx)
	if s.collectors != nil {
		s.collectors.SyncDuration.Observe(time.Since(started).Seconds())
	}
	s.finish(err)
	return err
}

// run is one sync pass without cooldown bookkeeping.
func (s *Syncer) run(ctx context.Context) error {
	token, err := s.tokens.Get(ctx)
	if err != nil {
		return fmt.Errorf("acquiring token: %w", err)
	}

	if err := s.pushAgentVersion(ctx, token.Token); err != nil {
		return err
	}

	pulled, err := s.pull(ctx, token.Token)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	if err := s.apply(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.push(ctx, token.Token); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	s.logger.Debug("sync pass complete", "pulled", pulled)
	return nil
}

// pushAgentVersion reports a changed agent build to the control plane and
// patches the local device record.
func (s *Syncer) pushAgentVersion(ctx context.Context, token string) error {
	device, err := s.readDevice()
	if err != nil {
		return err
	}
	if device.AgentVersion == s.version {
		return nil
	}

	version := s.version
	if _, err := s.client.UpdateDevice(ctx, device.ID, api.DeviceUpdate{AgentVersion: &version}, token); err != nil {
		return fmt.Errorf("pushing agent version: %w", err)
	}

	patch, _ := json.Marshal(map[string]string{"agent_version": version})
	if _, err := s.device.Patch(patch); err != nil {
		return fmt.Errorf("patching device record: %w", err)
	}

	s.logger.Info("agent version pushed", "from", device.AgentVersion, "to", version)
	return nil
}

// pull fetches the active deployments with content expansions and merges
// them into the caches. Control-plane fields come from the wire; the
// agent-local attempts and cooldown-ends-at survive from the cached copy,
// otherwise backoff would reset on every pull.
func (s *Syncer) pull(ctx context.Context, token string) (int, error) {
	filter := api.ListDeploymentsFilter{
		ActivityStatuses: []api.ActivityStatus{api.ActivityStatusQueued, api.ActivityStatusDeployed},
		ExpandContent:    true,
	}
	incoming, err := s.client.ListAllDeployments(ctx, filter, token)
	if err != nil {
		return 0, fmt.Errorf("pulling deployments: %w", err)
	}

	var errs *multierror.Error
	for _, d := range incoming {
		for _, inst := range d.ConfigInstances {
			meta := inst
			meta.Content = nil
			if err := s.instances.Write(inst.ID, meta, cache.DirtyNever[api.ConfigInstance], fsutil.OverwriteAllow); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("caching config instance %s: %w", inst.ID, err))
				continue
			}
			if inst.Content == nil {
				continue
			}
			// Content-cache failures are not fatal: the apply phase will
			// mark the deployment retrying when it cannot resolve content.
			if err := s.contents.Write(inst.ID, inst.Content, cache.DirtyNever[json.RawMessage], fsutil.OverwriteAllow); err != nil {
				s.logger.Warn("skipping content cache write", "config_instance_id", inst.ID, "error", err)
			}
		}

		merged, err := s.mergePulled(d)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := s.deployments.Write(merged.ID, merged, cache.DirtyNever[api.Deployment], fsutil.OverwriteAllow); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("caching deployment %s: %w", d.ID, err))
		}
	}
	return len(incoming), errs.ErrorOrNil()
}

func (s *Syncer) mergePulled(incoming api.Deployment) (api.Deployment, error) {
	merged := incoming.Clone()
	merged.ConfigInstances = nil

	cached, err := s.deployments.ReadEntryOptional(incoming.ID)
	if err != nil {
		return merged, fmt.Errorf("reading cached deployment %s: %w", incoming.ID, err)
	}
	if cached != nil {
		merged.Attempts = cached.Value.Attempts
		merged.CooldownEndsAt = cached.Value.CooldownEndsAt
	}
	return merged, nil
}

// apply runs the reconciliation engine over every deployment whose next
// action requires work. One deployment's failure does not short-circuit the
// others.
func (s *Syncer) apply(ctx context.Context) error {
	entries, err := s.deployments.Entries()
	if err != nil {
		return fmt.Errorf("enumerating deployments: %w", err)
	}

	now := s.now()
	var errs *multierror.Error
	for _, entry := range entries {
		if !deployment.NextAction(entry.Value, true, now).Required() {
			continue
		}
		if _, err := s.applier.Apply(ctx, entry.Value); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("applying deployment %s: %w", entry.Value.ID, err))
		}
	}
	return errs.ErrorOrNil()
}

// push reports every dirty deployment's observed status. Successful pushes
// rewrite the entry clean; failures accumulate and fail the sync at the end.
func (s *Syncer) push(ctx context.Context, token string) error {
	dirty, err := s.deployments.GetDirtyEntries()
	if err != nil {
		return fmt.Errorf("collecting dirty deployments: %w", err)
	}

	var errs *multierror.Error
	for _, entry := range dirty {
		d := entry.Value
		update := api.DeploymentUpdate{
			ActivityStatus: d.ActivityStatus,
			ErrorStatus:    d.ErrorStatus,
		}
		if _, err := s.client.UpdateDeployment(ctx, d.ID, update, token); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pushing deployment %s: %w", d.ID, err))
			continue
		}
		if err := s.deployments.Write(d.ID, d, cache.DirtyNever[api.Deployment], fsutil.OverwriteAllow); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("marking deployment %s clean: %w", d.ID, err))
		}
	}
	return errs.ErrorOrNil()
}

// finish updates the sync state for the pass outcome, publishes the event,
// and schedules the CooldownEnd wakeup.
func (s *Syncer) finish(err error) {
	s.mu.Lock()
	now := s.now()

	var (
		kind  = EventSyncSuccess
		cause = FromSyncSuccess
		isNet bool
	)

	switch {
	case err == nil:
		s.state.ErrStreak = 0
		s.state.LastSyncedAt = now
		s.state.CooldownEndsAt = now.Add(s.policy.Base)

	case agenterr.IsNetworkConnection(err):
		// Outages do not escalate: fixed short cooldown, streak untouched.
		kind, cause, isNet = EventSyncFailed, FromSyncFailure, true
		s.state.CooldownEndsAt = now.Add(s.policy.Base)

	default:
		kind, cause = EventSyncFailed, FromSyncFailure
		s.state.ErrStreak++
		s.state.CooldownEndsAt = now.Add(
			deployment.Backoff(s.policy.Base, s.policy.Growth, s.state.ErrStreak, s.policy.Max))
	}

	wake := s.state.CooldownEndsAt.Sub(now) + time.Second
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("sync failed", "network_error", isNet, "error", err)
	}

	s.broadcast.Publish(Event{Kind: kind, IsNetworkConnectionError: isNet, At: now})

	// The +1s pad guarantees the wakeup lands after the cooldown window is
	// over even with coarse timers.
	time.AfterFunc(wake, func() {
		s.broadcast.Publish(Event{Kind: EventCooldownEnd, Cause: cause, At: s.now()})
	})
}

func (s *Syncer) readDevice() (api.Device, error) {
	var device api.Device
	raw, err := s.device.Read()
	if err != nil {
		return device, fmt.Errorf("reading device record: %w", err)
	}
	if err := json.Unmarshal(raw, &device); err != nil {
		return device, fmt.Errorf("decoding device record: %w", err)
	}
	return device, nil
}
