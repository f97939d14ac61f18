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

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// LoadConfig parses YAML configuration and applies default values.
// This is the recommended function for loading configuration.
//
// It performs two operations atomically:
//  1. Parses YAML into Config struct
//  2. Applies default values to unset fields
func LoadConfig(configYAML string) (*Config, error) {
	cfg, err := parseConfig(configYAML)
	if err != nil {
		return nil, err
	}

	setDefaults(cfg)

	return cfg, nil
}

// LoadConfigFile reads and parses a fleetd.yaml. A missing file yields the
// all-defaults configuration, so a fresh install runs without one.
func LoadConfigFile(fs afero.Fs, path string) (*Config, error) {
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("checking config file %s: %w", path, err)
	}
	if !exists {
		cfg := &Config{}
		setDefaults(cfg)
		return cfg, nil
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return LoadConfig(string(data))
}

// parseConfig parses YAML configuration into a Config struct.
// This is a pure function that only parses YAML - it does not read files,
// apply defaults, or perform validation.
//
// Most callers should use LoadConfig() instead. This function is primarily
// useful for testing parse behavior independently from default application.
func parseConfig(configYAML string) (*Config, error) {
	if configYAML == "" {
		return nil, fmt.Errorf("config YAML is empty")
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(configYAML), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &cfg, nil
}
