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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationGetters_Defaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	assert.Equal(t, DefaultRequestTimeout, cfg.ControlPlane.GetRequestTimeout())
	assert.Equal(t, DefaultMQTTOperationTimeout, cfg.MQTT.GetOperationTimeout())
	assert.Equal(t, DefaultPollInterval, cfg.Sync.GetPollInterval())
	assert.Equal(t, DefaultCooldownBase, cfg.Sync.GetCooldownBase())
	assert.Equal(t, DefaultCooldownMax, cfg.Sync.GetCooldownMax())
	assert.Equal(t, DefaultCooldownBase, cfg.Deployment.GetRetryBase())
	assert.Equal(t, DefaultCooldownMax, cfg.Deployment.GetRetryMax())
	assert.Equal(t, DefaultRefreshAdvance, cfg.Token.GetRefreshAdvance())
	assert.Equal(t, DefaultIdlePollInterval, cfg.Lifecycle.GetIdlePollInterval())
	assert.Equal(t, DefaultMaxShutdownDelay, cfg.Lifecycle.GetMaxShutdownDelay())

	// Lifecycle triggers default to disabled.
	assert.Zero(t, cfg.Lifecycle.GetMaxRuntime())
	assert.Zero(t, cfg.Lifecycle.GetIdleTimeout())
}

func TestDurationGetters_ParseConfiguredValues(t *testing.T) {
	cfg := &Config{
		ControlPlane: ControlPlaneConfig{RequestTimeout: "5s"},
		Sync:         SyncConfig{PollInterval: "90s", CooldownBase: "1s"},
		Lifecycle:    LifecycleConfig{MaxRuntime: "24h", IdleTimeout: "1h"},
	}

	assert.Equal(t, 5*time.Second, cfg.ControlPlane.GetRequestTimeout())
	assert.Equal(t, 90*time.Second, cfg.Sync.GetPollInterval())
	assert.Equal(t, time.Second, cfg.Sync.GetCooldownBase())
	assert.Equal(t, 24*time.Hour, cfg.Lifecycle.GetMaxRuntime())
	assert.Equal(t, time.Hour, cfg.Lifecycle.GetIdleTimeout())
}

func TestDurationGetters_InvalidValueDegradesToDefault(t *testing.T) {
	cfg := &Config{
		Sync: SyncConfig{PollInterval: "five minutes"},
	}

	// An unparseable duration must not take the agent down.
	assert.Equal(t, DefaultPollInterval, cfg.Sync.GetPollInterval())
}

func TestSetDefaults_GrowthFactors(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	assert.Equal(t, uint32(DefaultCooldownGrowth), cfg.Sync.CooldownGrowth)
	assert.Equal(t, uint32(DefaultCooldownGrowth), cfg.Deployment.RetryGrowth)
}

func TestSetDefaults_Idempotent(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	first := *cfg

	setDefaults(cfg)
	assert.Equal(t, first.Agent, cfg.Agent)
	assert.Equal(t, first.Sync, cfg.Sync)
}
