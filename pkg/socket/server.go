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

// Package socket exposes the agent to host applications over a local unix
// socket: status inspection and an explicit sync trigger. Every request
// touches the activity tracker, so a host app keeps the agent from idling
// out.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	gosync "sync"
	"time"

	"fleetd/pkg/agenterr"
	"fleetd/pkg/sync"
)

// Tracker records the last time a host application talked to the agent.
type Tracker struct {
	mu      gosync.Mutex
	touched time.Time
}

// NewTracker starts the clock at now so a fresh agent is not instantly idle.
func NewTracker() *Tracker {
	return &Tracker{touched: time.Now()}
}

// Touch marks the agent as in use.
func (t *Tracker) Touch() {
	t.mu.Lock()
	t.touched = time.Now()
	t.mu.Unlock()
}

// LastTouched returns the most recent touch.
func (t *Tracker) LastTouched() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.touched
}

// Server serves the control API on a unix socket.
type Server struct {
	path     string
	deviceID string
	syncer   *sync.Syncer
	tracker  *Tracker
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates the server without listening.
func NewServer(path, deviceID string, syncer *sync.Syncer, tracker *Tracker, logger *slog.Logger) *Server {
	s := &Server{
		path:     path,
		deviceID: deviceID,
		syncer:   syncer,
		tracker:  tracker,
		logger:   logger.With("component", "socket-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/sync", s.handleSync)

	s.server = &http.Server{
		Handler:           s.touching(mux),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Start listens on the socket and blocks until ctx is cancelled. A stale
// socket file from a previous run is removed before binding.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.path, err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("Starting socket server", "path", s.path)
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("socket server shutdown failed: %w", err)
		}
		s.logger.Info("Socket server stopped")
		return nil
	case err := <-serverErr:
		return fmt.Errorf("socket server error: %w", err)
	}
}

// touching wraps the mux so every request counts as activity.
func (s *Server) touching(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.tracker.Touch()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := s.syncer.State()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"device_id":              s.deviceID,
		"last_attempted_sync_at": state.LastAttemptedSyncAt,
		"last_synced_at":         state.LastSyncedAt,
		"cooldown_ends_at":       state.CooldownEndsAt,
		"in_cooldown":            s.syncer.InCooldown(),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.syncer.Sync(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, agenterr.ErrInCooldown) {
			status = http.StatusTooManyRequests
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
