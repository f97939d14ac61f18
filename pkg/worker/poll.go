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

// Package worker hosts the agent's long-running tasks: the time-driven sync
// poller, the MQTT push channel, and the token refresher. Every worker is a
// single loop selecting over its trigger, a timer, and context cancellation;
// errors never escape a worker's loop.
package worker

import (
	"context"
	"log/slog"
	"time"

	"fleetd/pkg/sync"
)

// PollWorker triggers syncs on a schedule.
type PollWorker struct {
	syncer   *sync.Syncer
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewPollWorker creates a poll worker with the given poll interval.
func NewPollWorker(syncer *sync.Syncer, interval time.Duration, logger *slog.Logger) *PollWorker {
	return &PollWorker{
		syncer:   syncer,
		interval: interval,
		logger:   logger.With("component", "poll-worker"),
		now:      time.Now,
	}
}

// Start runs the poll loop until ctx is cancelled. Each iteration sleeps for
// the later of the poll schedule and the sync cooldown, then triggers a sync.
// A CooldownEnd event caused by a failed sync wakes the loop early so retries
// are not delayed by a full poll interval; all other events let the wait run
// out.
func (w *PollWorker) Start(ctx context.Context) error {
	w.logger.Info("starting poll worker", "interval", w.interval)
	events := w.syncer.Subscribe()

	for {
		wait := w.nextWait()

		select {
		case <-ctx.Done():
			w.logger.Info("poll worker stopped")
			return nil
		case ev := <-events:
			if ev.Kind != sync.EventCooldownEnd || ev.Cause != sync.FromSyncFailure {
				continue
			}
			w.logger.Debug("woken by cooldown end after failed sync")
		case <-time.After(wait):
		}

		if err := w.syncer.SyncIfNotInCooldown(ctx); err != nil {
			w.logger.Warn("scheduled sync failed", "error", err)
		}
	}
}

// nextWait computes the sleep until the next sync attempt should happen.
func (w *PollWorker) nextWait() time.Duration {
	state := w.syncer.State()
	now := w.now()

	wait := w.interval - now.Sub(state.LastAttemptedSyncAt)
	if cooldown := state.CooldownEndsAt.Sub(now); cooldown > wait {
		wait = cooldown
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}
