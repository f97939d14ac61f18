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

package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"fleetd/pkg/core/config"
)

var validateConfigFile string

// validateCmd represents the validate command.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a fleetd.yaml configuration file",
	Long: `Validate a fleetd.yaml configuration file.

This command parses the configuration, applies defaults, and runs the same
structural validation the agent performs at startup, without touching the
control plane or the broker.

Example usage:
  # Validate the default configuration location
  fleetd validate

  # Validate a specific file
  fleetd validate -f /tmp/fleetd.yaml`,
	RunE: runValidateConfig,
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "file", "f", "",
		"Path to the configuration file (default: <storage-root>/fleetd.yaml)")
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	path := validateConfigFile
	if path == "" {
		path = config.DefaultStorageRoot + "/fleetd.yaml"
	}

	cfg, err := config.LoadConfigFile(afero.NewOsFs(), path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}

	if err := config.ValidateStructure(cfg); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}

	fmt.Printf("%s is valid\n", path)
	return nil
}
