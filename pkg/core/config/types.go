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

// Package config provides data models for the agent configuration.
//
// These models represent the structure of the configuration YAML loaded
// from fleetd.yaml in the agent storage root.
package config

// Config is the root configuration structure loaded from fleetd.yaml.
type Config struct {
	// Agent contains agent-level settings (storage root, ports).
	Agent AgentConfig `yaml:"agent"`

	// ControlPlane configures the HTTP connection to the control plane.
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`

	// MQTT configures the push channel to the broker.
	MQTT MQTTConfig `yaml:"mqtt"`

	// Sync configures the sync loop pacing.
	Sync SyncConfig `yaml:"sync"`

	// Deployment configures the per-deployment retry policy.
	Deployment DeploymentConfig `yaml:"deployment"`

	// Token configures the credential refresh schedule.
	Token TokenConfig `yaml:"token"`

	// Lifecycle configures shutdown triggers and the shutdown deadline.
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// Logging configures logging behavior.
	Logging LoggingConfig `yaml:"logging"`
}

// AgentConfig contains agent-level configuration.
type AgentConfig struct {
	// StorageRoot is the per-agent state directory holding device.json,
	// settings.json, auth/, caches/, content/ and deployments/.
	// Default: /var/lib/fleetd
	StorageRoot string `yaml:"storage_root"`

	// CacheCapacity bounds each typed cache; least-recently-accessed
	// entries are evicted beyond it.
	// Default: 1024
	CacheCapacity int `yaml:"cache_capacity"`

	// MetricsPort is the port for Prometheus metrics.
	// Default: 9090
	MetricsPort int `yaml:"metrics_port"`

	// SocketEnabled spawns the local control socket server for host
	// applications.
	// Default: true
	SocketEnabled *bool `yaml:"socket_enabled"`

	// SocketPath is the unix socket exposed to host applications.
	// Default: <storage_root>/fleetd.sock
	SocketPath string `yaml:"socket_path"`
}

// ControlPlaneConfig configures the control-plane HTTP client.
type ControlPlaneConfig struct {
	// URL is the control-plane base URL.
	URL string `yaml:"url"`

	// RequestTimeout bounds each HTTP request.
	// Format: Go duration string (e.g., "30s")
	// Default: 30s
	RequestTimeout string `yaml:"request_timeout"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	// Enabled spawns the MQTT worker. Disabled agents rely on polling only.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// BrokerURL is the broker endpoint, e.g. "tcp://mqtt.example.com:1883".
	BrokerURL string `yaml:"broker_url"`

	// OperationTimeout bounds each connect/publish/subscribe.
	// Format: Go duration string (e.g., "10s")
	// Default: 10s
	OperationTimeout string `yaml:"operation_timeout"`
}

// SyncConfig configures the sync loop.
type SyncConfig struct {
	// PollInterval is the scheduled time between sync attempts.
	// Format: Go duration string (e.g., "5m")
	// Default: 5m
	PollInterval string `yaml:"poll_interval"`

	// CooldownBase is the pause after a successful or network-failed sync.
	// Default: 15s
	CooldownBase string `yaml:"cooldown_base"`

	// CooldownGrowth is the exponential growth factor per consecutive
	// non-network failure.
	// Default: 2
	CooldownGrowth uint32 `yaml:"cooldown_growth"`

	// CooldownMax caps the cooldown.
	// Default: 24h
	CooldownMax string `yaml:"cooldown_max"`
}

// DeploymentConfig configures per-deployment retries.
type DeploymentConfig struct {
	// MaxAttempts marks a deployment Failed once reached. Zero means
	// unlimited.
	// Default: 0
	MaxAttempts uint32 `yaml:"max_attempts"`

	// RetryBase is the first retry cooldown.
	// Default: 15s
	RetryBase string `yaml:"retry_base"`

	// RetryGrowth is the exponential growth factor per attempt.
	// Default: 2
	RetryGrowth uint32 `yaml:"retry_growth"`

	// RetryMax caps the retry cooldown.
	// Default: 24h
	RetryMax string `yaml:"retry_max"`
}

// TokenConfig configures credential refresh.
type TokenConfig struct {
	// RefreshAdvance is the lead time before expiry at which a refresh is
	// scheduled.
	// Format: Go duration string (e.g., "10m")
	// Default: 10m
	RefreshAdvance string `yaml:"refresh_advance"`
}

// LifecycleConfig configures shutdown triggers.
type LifecycleConfig struct {
	// MaxRuntime stops the agent after this long. Zero disables the timer.
	// Format: Go duration string (e.g., "24h")
	// Default: 0 (disabled)
	MaxRuntime string `yaml:"max_runtime"`

	// IdleTimeout stops the agent when the activity tracker has been
	// untouched for this long. Zero disables idle shutdown.
	// Default: 0 (disabled)
	IdleTimeout string `yaml:"idle_timeout"`

	// IdlePollInterval is how often the idle check runs.
	// Default: 30s
	IdlePollInterval string `yaml:"idle_poll_interval"`

	// MaxShutdownDelay bounds the whole shutdown sequence; overshoot exits
	// with status 1.
	// Default: 30s
	MaxShutdownDelay string `yaml:"max_shutdown_delay"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	// Verbose controls log level: 0=WARNING, 1=INFO, 2=DEBUG
	// Default: 1
	Verbose int `yaml:"verbose"`
}
