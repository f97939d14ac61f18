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
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	gosync "sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"fleetd/pkg/api"
	"fleetd/pkg/deployment"
	"fleetd/pkg/deployment/projection"
	"fleetd/pkg/mqtt"
	"fleetd/pkg/reconcile"
	"fleetd/pkg/store/cache"
	"fleetd/pkg/store/cachedfile"
	"fleetd/pkg/sync"
	"fleetd/pkg/token"
)

type workerClock struct {
	mu gosync.Mutex
	t  time.Time
}

func newWorkerClock() *workerClock {
	return &workerClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *workerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *workerClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// workerClient is an in-memory control plane counting sync pulls and device
// status pushes.
type workerClient struct {
	mu            gosync.Mutex
	listCalls     int
	listErr       error
	deviceUpdates []api.DeviceUpdate
	issuedTokens  int
	issueErr      error
}

func (f *workerClient) ListAllDeployments(context.Context, api.ListDeploymentsFilter, string) ([]api.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return nil, nil
}

func (f *workerClient) UpdateDeployment(_ context.Context, id string, _ api.DeploymentUpdate, _ string) (*api.Deployment, error) {
	return &api.Deployment{ID: id}, nil
}

func (f *workerClient) UpdateDevice(_ context.Context, id string, update api.DeviceUpdate, _ string) (*api.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceUpdates = append(f.deviceUpdates, update)
	return &api.Device{ID: id}, nil
}

func (f *workerClient) IssueDeviceToken(context.Context, string, string) (*api.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	f.issuedTokens++
	return &api.Token{Token: "issued", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *workerClient) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *workerClient) syncPulls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *workerClient) statuses() []api.DeviceUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.DeviceUpdate(nil), f.deviceUpdates...)
}

type workerFixture struct {
	clock       *workerClock
	client      *workerClient
	device      *cachedfile.File
	tokenFile   *cachedfile.File
	tokens      *token.Manager
	syncer      *sync.Syncer
	deployments *cache.Cache[api.Deployment]
	instances   *cache.Cache[api.ConfigInstance]
	contents    *cache.Cache[json.RawMessage]
	applier     *reconcile.Applier
}

// newRealtimeSyncer rebuilds the fixture's syncer on the wall clock with a
// short cooldown, so the scheduled cooldown-end wakeup actually fires.
func (f *workerFixture) newRealtimeSyncer(base time.Duration) *sync.Syncer {
	return sync.New(sync.Config{
		Client:       f.client,
		Tokens:       f.tokens,
		Deployments:  f.deployments,
		Instances:    f.instances,
		Contents:     f.contents,
		Applier:      f.applier,
		Device:       f.device,
		AgentVersion: "test",
		Policy:       sync.CooldownPolicy{Base: base, Growth: 2, Max: time.Second},
		Logger:       slog.Default(),
	})
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	clock := newWorkerClock()
	client := &workerClient{}
	fs := afero.NewMemMapFs()

	deployments := cache.New[api.Deployment]("deployments", cache.Options[api.Deployment]{})
	instances := cache.New[api.ConfigInstance]("instances", cache.Options[api.ConfigInstance]{})
	contents := cache.New[json.RawMessage]("contents", cache.Options[json.RawMessage]{})
	t.Cleanup(deployments.Shutdown)
	t.Cleanup(instances.Shutdown)
	t.Cleanup(contents.Shutdown)

	device, err := cachedfile.Open(fs, "/state/device.json", 0o644)
	require.NoError(t, err)
	t.Cleanup(device.Shutdown)
	deviceJSON, _ := json.Marshal(api.Device{ID: "dev-1", AgentVersion: "test"})
	require.NoError(t, device.Write(deviceJSON))

	tokenFile, err := cachedfile.Open(fs, "/auth/token.json", 0o600)
	require.NoError(t, err)
	t.Cleanup(tokenFile.Shutdown)
	tokenJSON, _ := json.Marshal(api.Token{Token: "valid", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, tokenFile.Write(tokenJSON))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tokens := token.NewManager("dev-1", key, client, tokenFile, slog.Default())

	applier := &reconcile.Applier{
		Deployments: deployments,
		Instances:   instances,
		Contents:    contents,
		Projector:   projection.New(fs, "/agent/deployments", "/agent/staging", slog.Default()),
		Policy:      deployment.DefaultRetryPolicy(),
		Observers:   []reconcile.Observer{&reconcile.StorageObserver{Deployments: deployments}},
		Logger:      slog.Default(),
		Now:         clock.Now,
	}

	syncer := sync.New(sync.Config{
		Client:       client,
		Tokens:       tokens,
		Deployments:  deployments,
		Instances:    instances,
		Contents:     contents,
		Applier:      applier,
		Device:       device,
		AgentVersion: "test",
		Policy:       sync.CooldownPolicy{Base: 15 * time.Second, Growth: 2, Max: time.Hour},
		Logger:       slog.Default(),
		Now:          clock.Now,
	})

	return &workerFixture{
		clock:       clock,
		client:      client,
		device:      device,
		tokenFile:   tokenFile,
		tokens:      tokens,
		syncer:      syncer,
		deployments: deployments,
		instances:   instances,
		contents:    contents,
		applier:     applier,
	}
}

// fakeTransport records subscriptions and publishes for one session.
type fakeTransport struct {
	mu         gosync.Mutex
	cfg        mqtt.Config
	handlers   map[string]mqtt.MessageHandler
	published  []fakeMessage
	connectErr error
	publishErr error
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (f *fakeTransport) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	if f.cfg.OnConnect != nil {
		f.cfg.OnConnect()
	}
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, fakeMessage{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, topic string, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string]mqtt.MessageHandler{}
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) Disconnect() {}

func (f *fakeTransport) subscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeTransport) messages() []fakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeMessage(nil), f.published...)
}

func (f *fakeTransport) deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	handler, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		return false
	}
	handler(topic, payload)
	return true
}
