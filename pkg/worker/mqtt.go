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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"fleetd/pkg/agenterr"
	"fleetd/pkg/api"
	"fleetd/pkg/deployment"
	"fleetd/pkg/metrics"
	"fleetd/pkg/mqtt"
	"fleetd/pkg/store/cachedfile"
	"fleetd/pkg/sync"
	"fleetd/pkg/token"
)

// TransportFactory builds one MQTT client+event-loop pair. The worker calls
// it again whenever the credential changes or the connection is lost, so the
// transport never outlives the token it authenticated with.
type TransportFactory func(cfg mqtt.Config) mqtt.Transport

// MQTTWorkerConfig wires an MQTTWorker.
type MQTTWorkerConfig struct {
	BrokerURL string
	DeviceID  string
	SessionID string

	Client    api.Client
	Tokens    *token.Manager
	Syncer    *sync.Syncer
	Device    *cachedfile.File
	Transport TransportFactory

	// OperationTimeout bounds each connect, publish, and subscribe. Zero
	// falls back to the transport default.
	OperationTimeout time.Duration

	// Backoff paces reconnect attempts keyed on the error streak.
	Backoff sync.CooldownPolicy

	// Metrics tracks the connection gauge; nil disables instrumentation.
	Metrics *metrics.Agent

	Logger *slog.Logger
}

// MQTTWorker maintains the push channel to the broker: it reacts to sync-now
// and ping messages, acks successful syncs, and keeps the device's
// Online/Offline bit aligned with connectivity.
type MQTTWorker struct {
	cfg    MQTTWorkerConfig
	logger *slog.Logger
	now    func() time.Time

	// streak counts consecutive non-network failures; network outages hold
	// it steady so flaky links never escalate to day-long backoffs.
	streak uint32
}

// NewMQTTWorker creates the worker without connecting.
func NewMQTTWorker(cfg MQTTWorkerConfig) *MQTTWorker {
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = sync.DefaultCooldownPolicy()
	}
	if cfg.Transport == nil {
		cfg.Transport = func(c mqtt.Config) mqtt.Transport { return mqtt.NewClient(c) }
	}
	return &MQTTWorker{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "mqtt-worker"),
		now:    time.Now,
	}
}

// Start runs connect/serve iterations until ctx is cancelled. Every failure
// is classified in-loop: authentication refreshes the token and rebuilds the
// client, network errors reconnect on the base interval, anything else backs
// off on the streak.
func (w *MQTTWorker) Start(ctx context.Context) error {
	w.logger.Info("starting mqtt worker", "broker", w.cfg.BrokerURL, "device_id", w.cfg.DeviceID)

	for {
		err := w.session(ctx)
		if ctx.Err() != nil {
			w.logger.Info("mqtt worker stopped")
			return nil
		}

		wait := w.cfg.Backoff.Base
		switch {
		case err == nil:
			// Connection lost without a classified error.
		case agenterr.IsAuthentication(err):
			w.logger.Info("mqtt credentials rejected, refreshing token")
			if _, rerr := w.cfg.Tokens.Refresh(ctx); rerr != nil {
				w.logger.Warn("token refresh failed", "error", rerr)
			}
		case agenterr.IsNetworkConnection(err):
			w.logger.Debug("mqtt network error", "error", err)
		default:
			w.streak++
			wait = deployment.Backoff(w.cfg.Backoff.Base, w.cfg.Backoff.Growth, w.streak, w.cfg.Backoff.Max)
			w.logger.Warn("mqtt session failed", "streak", w.streak, "error", err)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("mqtt worker stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one client+event-loop pair to completion: connection loss,
// fatal error, or cancellation.
func (w *MQTTWorker) session(ctx context.Context) error {
	tok, err := w.cfg.Tokens.Get(ctx)
	if err != nil {
		return fmt.Errorf("acquiring token: %w", err)
	}

	lost := make(chan error, 1)
	transport := w.cfg.Transport(mqtt.Config{
		BrokerURL:        w.cfg.BrokerURL,
		ClientID:         w.cfg.DeviceID,
		Username:         w.cfg.SessionID,
		Password:         tok.Token,
		ConnectTimeout:   w.cfg.OperationTimeout,
		PublishTimeout:   w.cfg.OperationTimeout,
		SubscribeTimeout: w.cfg.OperationTimeout,
		OnConnect:        func() { w.markOnline(ctx, tok.Token) },
		OnConnectionLost: func(err error) {
			w.markOffline(ctx, tok.Token)
			select {
			case lost <- err:
			default:
			}
		},
	})

	if err := transport.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		transport.Disconnect()
		w.markOffline(ctx, tok.Token)
	}()

	if err := w.subscribe(ctx, transport); err != nil {
		return err
	}

	w.streak = 0
	events := w.cfg.Syncer.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-lost:
			return err
		case ev := <-events:
			if ev.Kind != sync.EventSyncSuccess {
				continue
			}
			if err := w.publishSyncAck(ctx, transport); err != nil {
				w.logger.Warn("sync ack publish failed", "error", err)
				if agenterr.IsNetworkConnection(err) {
					w.markOffline(ctx, tok.Token)
				}
			}
		}
	}
}

func (w *MQTTWorker) subscribe(ctx context.Context, transport mqtt.Transport) error {
	syncTopic := fmt.Sprintf("devices/%s/sync", w.cfg.DeviceID)
	if err := transport.Subscribe(ctx, syncTopic, func(_ string, payload []byte) {
		w.handleSync(ctx, payload)
	}); err != nil {
		return err
	}

	pingTopic := fmt.Sprintf("devices/%s/ping", w.cfg.DeviceID)
	return transport.Subscribe(ctx, pingTopic, func(_ string, payload []byte) {
		w.handlePing(ctx, transport, payload)
	})
}

// handleSync triggers a sync when the control plane says this device is
// behind. An unparseable payload counts as behind: syncing when caught up is
// harmless, the reverse is not.
func (w *MQTTWorker) handleSync(ctx context.Context, payload []byte) {
	var msg struct {
		IsSynced bool `json:"is_synced"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		w.logger.Warn("unparseable sync message, syncing anyway", "error", err)
		msg.IsSynced = false
	}
	if msg.IsSynced {
		return
	}
	if err := w.cfg.Syncer.SyncIfNotInCooldown(ctx); err != nil {
		w.logger.Warn("push-triggered sync failed", "error", err)
	}
}

func (w *MQTTWorker) handlePing(ctx context.Context, transport mqtt.Transport, payload []byte) {
	var msg struct {
		MessageID string `json:"message_id"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		w.logger.Warn("unparseable ping message", "error", err)
		return
	}

	pong, _ := json.Marshal(map[string]string{
		"message_id": msg.MessageID,
		"timestamp":  w.now().UTC().Format(time.RFC3339),
	})
	topic := fmt.Sprintf("devices/%s/pong", w.cfg.DeviceID)
	if err := transport.Publish(ctx, topic, pong); err != nil {
		w.logger.Warn("pong publish failed", "message_id", msg.MessageID, "error", err)
	}
}

// publishSyncAck tells the control plane this agent is caught up.
func (w *MQTTWorker) publishSyncAck(ctx context.Context, transport mqtt.Transport) error {
	payload, _ := json.Marshal(map[string]bool{"is_synced": true})
	return transport.Publish(ctx, fmt.Sprintf("devices/%s/sync", w.cfg.DeviceID), payload)
}

func (w *MQTTWorker) markOnline(ctx context.Context, tok string) {
	w.setStatus(ctx, tok, api.DeviceStatusOnline)
}

func (w *MQTTWorker) markOffline(ctx context.Context, tok string) {
	w.setStatus(ctx, tok, api.DeviceStatusOffline)
}

// setStatus pushes the connectivity bit to the control plane and patches the
// local device record. Both failures are logged only: the bit is eventually
// consistent and the next transition retries it.
func (w *MQTTWorker) setStatus(ctx context.Context, tok string, status api.DeviceStatus) {
	if w.cfg.Metrics != nil {
		connected := 0.0
		if status == api.DeviceStatusOnline {
			connected = 1.0
		}
		w.cfg.Metrics.MQTTConnected.Set(connected)
	}

	now := w.now().UTC()
	tsField := "last_connected_at"
	if status == api.DeviceStatusOffline {
		tsField = "last_disconnected_at"
	}

	patch, _ := json.Marshal(map[string]any{
		"status": string(status),
		tsField:  now.Format(time.RFC3339),
	})
	if _, err := w.cfg.Device.Patch(patch); err != nil {
		w.logger.Warn("patching device record failed", "status", status, "error", err)
	}

	update := api.DeviceUpdate{Status: &status}
	if _, err := w.cfg.Client.UpdateDevice(ctx, w.cfg.DeviceID, update, tok); err != nil {
		w.logger.Warn("pushing device status failed", "status", status, "error", err)
	} else {
		w.logger.Info("device status updated", "status", status)
	}
}
