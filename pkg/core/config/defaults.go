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
	"path/filepath"
	"time"
)

// Default values for configuration fields.
const (
	// DefaultStorageRoot is the default agent state directory.
	DefaultStorageRoot = "/var/lib/fleetd"

	// DefaultCacheCapacity is the default per-cache entry bound.
	DefaultCacheCapacity = 1024

	// DefaultMetricsPort is the default port for Prometheus metrics.
	DefaultMetricsPort = 9090

	// DefaultVerbose is the default log level (1 = INFO).
	DefaultVerbose = 1

	// DefaultRequestTimeout bounds each control-plane HTTP request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMQTTOperationTimeout bounds each MQTT operation.
	DefaultMQTTOperationTimeout = 10 * time.Second

	// DefaultPollInterval is the default scheduled sync interval.
	DefaultPollInterval = 5 * time.Minute

	// DefaultCooldownBase is the default pause after a sync attempt.
	DefaultCooldownBase = 15 * time.Second

	// DefaultCooldownGrowth is the default cooldown growth factor.
	DefaultCooldownGrowth = 2

	// DefaultCooldownMax is the default cooldown ceiling.
	DefaultCooldownMax = 24 * time.Hour

	// DefaultRefreshAdvance is the default token refresh lead time.
	DefaultRefreshAdvance = 10 * time.Minute

	// DefaultIdlePollInterval is how often the idle check runs.
	DefaultIdlePollInterval = 30 * time.Second

	// DefaultMaxShutdownDelay bounds the shutdown sequence.
	DefaultMaxShutdownDelay = 30 * time.Second
)

// setDefaults applies default values to unset configuration fields.
// This modifies the config in-place and should be called after parsing
// the configuration and before validation.
func setDefaults(cfg *Config) {
	if cfg.Agent.StorageRoot == "" {
		cfg.Agent.StorageRoot = DefaultStorageRoot
	}
	if cfg.Agent.CacheCapacity == 0 {
		cfg.Agent.CacheCapacity = DefaultCacheCapacity
	}
	if cfg.Agent.MetricsPort == 0 {
		cfg.Agent.MetricsPort = DefaultMetricsPort
	}
	if cfg.Agent.SocketEnabled == nil {
		enabled := true
		cfg.Agent.SocketEnabled = &enabled
	}
	if cfg.Agent.SocketPath == "" {
		cfg.Agent.SocketPath = filepath.Join(cfg.Agent.StorageRoot, "fleetd.sock")
	}

	if cfg.MQTT.Enabled == nil {
		enabled := true
		cfg.MQTT.Enabled = &enabled
	}

	if cfg.Sync.CooldownGrowth == 0 {
		cfg.Sync.CooldownGrowth = DefaultCooldownGrowth
	}
	if cfg.Deployment.RetryGrowth == 0 {
		cfg.Deployment.RetryGrowth = DefaultCooldownGrowth
	}

	// Logging defaults
	// Note: Verbose level 0 is valid (WARNING), so we don't set a default
	// here; the CLI layer applies DefaultVerbose when the flag is absent.

	// Duration-typed fields default through their getters so an invalid
	// string degrades to the default instead of failing the agent.
}

// durationOr parses s, falling back to def when unset or invalid.
func durationOr(s string, def time.Duration) time.Duration {
	if s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return def
}

// GetRequestTimeout returns the configured control-plane request timeout
// or the default if not specified or invalid.
func (c *ControlPlaneConfig) GetRequestTimeout() time.Duration {
	return durationOr(c.RequestTimeout, DefaultRequestTimeout)
}

// GetOperationTimeout returns the configured MQTT operation timeout
// or the default if not specified or invalid.
func (m *MQTTConfig) GetOperationTimeout() time.Duration {
	return durationOr(m.OperationTimeout, DefaultMQTTOperationTimeout)
}

// GetPollInterval returns the configured sync poll interval.
func (s *SyncConfig) GetPollInterval() time.Duration {
	return durationOr(s.PollInterval, DefaultPollInterval)
}

// GetCooldownBase returns the configured sync cooldown base.
func (s *SyncConfig) GetCooldownBase() time.Duration {
	return durationOr(s.CooldownBase, DefaultCooldownBase)
}

// GetCooldownMax returns the configured sync cooldown ceiling.
func (s *SyncConfig) GetCooldownMax() time.Duration {
	return durationOr(s.CooldownMax, DefaultCooldownMax)
}

// GetRetryBase returns the configured deployment retry base.
func (d *DeploymentConfig) GetRetryBase() time.Duration {
	return durationOr(d.RetryBase, DefaultCooldownBase)
}

// GetRetryMax returns the configured deployment retry ceiling.
func (d *DeploymentConfig) GetRetryMax() time.Duration {
	return durationOr(d.RetryMax, DefaultCooldownMax)
}

// GetRefreshAdvance returns the configured token refresh lead time.
func (t *TokenConfig) GetRefreshAdvance() time.Duration {
	return durationOr(t.RefreshAdvance, DefaultRefreshAdvance)
}

// GetMaxRuntime returns the configured maximum runtime; zero disables it.
func (l *LifecycleConfig) GetMaxRuntime() time.Duration {
	return durationOr(l.MaxRuntime, 0)
}

// GetIdleTimeout returns the configured idle timeout; zero disables it.
func (l *LifecycleConfig) GetIdleTimeout() time.Duration {
	return durationOr(l.IdleTimeout, 0)
}

// GetIdlePollInterval returns the configured idle check interval.
func (l *LifecycleConfig) GetIdlePollInterval() time.Duration {
	return durationOr(l.IdlePollInterval, DefaultIdlePollInterval)
}

// GetMaxShutdownDelay returns the configured shutdown deadline.
func (l *LifecycleConfig) GetMaxShutdownDelay() time.Duration {
	return durationOr(l.MaxShutdownDelay, DefaultMaxShutdownDelay)
}
