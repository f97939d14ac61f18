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
	"fmt"
	"net/url"
	"strings"
)

// ValidateStructure performs basic structural validation on the configuration.
// Validates required fields, value ranges, and URL shapes. Does NOT probe
// the control plane or the broker.
func ValidateStructure(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if err := validateAgentConfig(&cfg.Agent); err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	if err := validateControlPlaneConfig(&cfg.ControlPlane); err != nil {
		return fmt.Errorf("control_plane: %w", err)
	}

	if err := validateMQTTConfig(&cfg.MQTT); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if err := validateLoggingConfig(&cfg.Logging); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	return nil
}

// validateAgentConfig validates the agent-level configuration.
func validateAgentConfig(ac *AgentConfig) error {
	if ac.StorageRoot == "" {
		return fmt.Errorf("storage_root cannot be empty")
	}
	if !strings.HasPrefix(ac.StorageRoot, "/") {
		return fmt.Errorf("storage_root must be an absolute path, got %q", ac.StorageRoot)
	}

	if ac.CacheCapacity < 1 {
		return fmt.Errorf("cache_capacity must be at least 1, got %d", ac.CacheCapacity)
	}

	if ac.MetricsPort < 1 || ac.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port must be between 1 and 65535, got %d", ac.MetricsPort)
	}

	return nil
}

// validateControlPlaneConfig validates the control-plane client configuration.
func validateControlPlaneConfig(cp *ControlPlaneConfig) error {
	if cp.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(cp.URL)
	if err != nil {
		return fmt.Errorf("url is not a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", parsed.Scheme)
	}

	return nil
}

// validateMQTTConfig validates the broker configuration.
func validateMQTTConfig(mc *MQTTConfig) error {
	if mc.Enabled != nil && !*mc.Enabled {
		return nil
	}

	if mc.BrokerURL == "" {
		return fmt.Errorf("broker_url cannot be empty when mqtt is enabled")
	}

	parsed, err := url.Parse(mc.BrokerURL)
	if err != nil {
		return fmt.Errorf("broker_url is not a valid URL: %w", err)
	}
	switch parsed.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
	default:
		return fmt.Errorf("broker_url scheme %q is not a supported MQTT scheme", parsed.Scheme)
	}

	return nil
}

// validateLoggingConfig validates the logging configuration.
func validateLoggingConfig(lc *LoggingConfig) error {
	if lc.Verbose < 0 || lc.Verbose > 2 {
		return fmt.Errorf("verbose must be 0 (WARNING), 1 (INFO), or 2 (DEBUG), got %d", lc.Verbose)
	}

	return nil
}
