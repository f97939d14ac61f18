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

package worker

import (
	"context"
	"log/slog"
	"time"

	"fleetd/pkg/agenterr"
	"fleetd/pkg/deployment"
	"fleetd/pkg/metrics"
	"fleetd/pkg/sync"
	"fleetd/pkg/token"
)

// TokenRefreshWorker renews the bearer credential ahead of its expiry.
type TokenRefreshWorker struct {
	tokens *token.Manager

	// advance is how long before expiry a refresh is scheduled.
	advance    time.Duration
	backoff    sync.CooldownPolicy
	collectors *metrics.Agent
	logger     *slog.Logger
	now        func() time.Time

	streak uint32
}

// NewTokenRefreshWorker creates the worker. advance is the lead time before
// token expiry at which a refresh is due. collectors may be nil.
func NewTokenRefreshWorker(tokens *token.Manager, advance time.Duration, backoff sync.CooldownPolicy, collectors *metrics.Agent, logger *slog.Logger) *TokenRefreshWorker {
	if backoff.Base == 0 {
		backoff = sync.DefaultCooldownPolicy()
	}
	return &TokenRefreshWorker{
		tokens:     tokens,
		advance:    advance,
		backoff:    backoff,
		collectors: collectors,
		logger:     logger.With("component", "token-refresh-worker"),
		now:        time.Now,
	}
}

// Start runs the refresh loop until ctx is cancelled. An expired cached token
// is refreshed immediately on startup; after that each iteration sleeps until
// the refresh lead time or the failure backoff, whichever is later.
func (w *TokenRefreshWorker) Start(ctx context.Context) error {
	w.logger.Info("starting token refresh worker", "advance", w.advance)

	if tok, err := w.tokens.Current(); err != nil || tok.ExpiresWithin(w.now(), 0) {
		w.refresh(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("token refresh worker stopped")
			return nil
		case <-time.After(w.nextWait()):
		}

		if ctx.Err() != nil {
			w.logger.Info("token refresh worker stopped")
			return nil
		}
		w.refresh(ctx)
	}
}

// nextWait picks the longer of the schedule-driven wait and the streak
// backoff. A healthy token far from expiry dominates; after failures the
// token is near expiry and the backoff paces the retries.
func (w *TokenRefreshWorker) nextWait() time.Duration {
	var refreshWait time.Duration
	if tok, err := w.tokens.Current(); err == nil {
		refreshWait = tok.ExpiresAt.Sub(w.now()) - w.advance
		if refreshWait < 0 {
			refreshWait = 0
		}
	}

	wait := deployment.Backoff(w.backoff.Base, w.backoff.Growth, w.streak, w.backoff.Max)
	if refreshWait > wait {
		wait = refreshWait
	}
	return wait
}

func (w *TokenRefreshWorker) refresh(ctx context.Context) {
	tok, err := w.tokens.Refresh(ctx)

	result := "success"
	switch {
	case err == nil:
		w.streak = 0
		w.logger.Info("token refreshed", "expires_at", tok.ExpiresAt)
	case agenterr.IsNetworkConnection(err):
		// Retry on the base interval without escalating.
		result = "network_error"
		w.logger.Debug("token refresh hit network error", "error", err)
	default:
		result = "error"
		w.streak++
		w.logger.Warn("token refresh failed", "streak", w.streak, "error", err)
	}

	if w.collectors != nil {
		w.collectors.TokenRefreshTotal.WithLabelValues(result).Inc()
	}
}
