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

// Package supervisor composes the agent's workers over the shared app state:
// strict startup order, one shutdown trigger, ordered bounded join, app
// state torn down last.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"fleetd/pkg/agenterr"
)

// Runner is one long-running worker: Start blocks until ctx is cancelled.
type Runner interface {
	Start(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Start(ctx context.Context) error { return f(ctx) }

// ActivityTracker reports when the agent was last used; the supervisor polls
// it for idle shutdown.
type ActivityTracker interface {
	LastTouched() time.Time
}

// Config sets the supervisor's shutdown triggers and deadline.
type Config struct {
	// MaxRuntime stops the agent after this long. Zero disables the timer.
	MaxRuntime time.Duration

	// IdleTimeout stops the agent once Tracker has been untouched this
	// long. Zero (or a nil Tracker) disables idle shutdown.
	IdleTimeout      time.Duration
	IdlePollInterval time.Duration
	Tracker          ActivityTracker

	// MaxShutdownDelay bounds the whole shutdown sequence; overshoot calls
	// Exit(1).
	MaxShutdownDelay time.Duration

	// Exit overrides process termination, for tests. Defaults to os.Exit.
	Exit func(code int)
}

type namedWorker struct {
	name   string
	runner Runner
	done   chan struct{}
	err    error
}

// Supervisor owns the worker set and the app state for one agent lifecycle.
type Supervisor struct {
	state   *AppState
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	workers []*namedWorker
}

// New creates a supervisor over built app state.
func New(state *AppState, cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.IdlePollInterval == 0 {
		cfg.IdlePollInterval = 30 * time.Second
	}
	if cfg.MaxShutdownDelay == 0 {
		cfg.MaxShutdownDelay = 30 * time.Second
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	return &Supervisor{
		state:  state,
		cfg:    cfg,
		logger: logger.With("component", "supervisor"),
		now:    time.Now,
	}
}

// Register adds a worker. Registration order is both the startup order and
// the shutdown join order. Registering the same name twice fails with
// agenterr.ErrDuplicateWorker.
func (s *Supervisor) Register(name string, r Runner) error {
	for _, w := range s.workers {
		if w.name == name {
			return fmt.Errorf("worker %s: %w", name, agenterr.ErrDuplicateWorker)
		}
	}
	s.workers = append(s.workers, &namedWorker{name: name, runner: r, done: make(chan struct{})})
	return nil
}

// Run starts every registered worker and blocks until shutdown completes.
//
// Shutdown is initiated by exactly one of: ctx cancellation (the external
// signal), the idle check, or the max-runtime timer. The first trigger
// cancels the worker context; workers are then joined in registration order
// under the shutdown deadline, and the app state is flushed last.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, workerCtx := errgroup.WithContext(runCtx)
	for _, w := range s.workers {
		w := w
		s.logger.Info("starting worker", "worker", w.name)
		g.Go(func() error {
			defer close(w.done)
			w.err = w.runner.Start(workerCtx)
			if w.err != nil {
				s.logger.Error("worker failed", "worker", w.name, "error", w.err)
			}
			return w.err
		})
	}

	s.awaitShutdownTrigger(ctx, workerCtx)
	cancel()

	deadline := time.After(s.cfg.MaxShutdownDelay)
	for _, w := range s.workers {
		select {
		case <-w.done:
			s.logger.Info("worker stopped", "worker", w.name)
		case <-deadline:
			s.logger.Error("shutdown deadline exceeded", "stuck_worker", w.name,
				"deadline", s.cfg.MaxShutdownDelay)
			s.cfg.Exit(1)
			return fmt.Errorf("shutdown deadline exceeded waiting for %s", w.name)
		}
	}

	if err := s.state.Shutdown(); err != nil {
		s.logger.Error("app state shutdown reported errors", "error", err)
	}

	// All workers are joined; Wait only collects the first error.
	if err := g.Wait(); err != nil && !isContextEnd(err) {
		return err
	}
	return nil
}

// awaitShutdownTrigger blocks until the first of: external cancellation, a
// worker failure (workerCtx), the idle check, or the max-runtime timer.
func (s *Supervisor) awaitShutdownTrigger(ctx, workerCtx context.Context) {
	var maxRuntime <-chan time.Time
	if s.cfg.MaxRuntime > 0 {
		timer := time.NewTimer(s.cfg.MaxRuntime)
		defer timer.Stop()
		maxRuntime = timer.C
	}

	var idleTick <-chan time.Time
	if s.cfg.IdleTimeout > 0 && s.cfg.Tracker != nil {
		ticker := time.NewTicker(s.cfg.IdlePollInterval)
		defer ticker.Stop()
		idleTick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutdown: external signal")
			return
		case <-workerCtx.Done():
			s.logger.Info("shutdown: worker exited")
			return
		case <-maxRuntime:
			s.logger.Info("shutdown: max runtime reached", "max_runtime", s.cfg.MaxRuntime)
			return
		case <-idleTick:
			idle := s.now().Sub(s.cfg.Tracker.LastTouched())
			if idle < s.cfg.IdleTimeout {
				continue
			}
			s.logger.Info("shutdown: idle timeout", "idle", idle)
			return
		}
	}
}

func isContextEnd(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
