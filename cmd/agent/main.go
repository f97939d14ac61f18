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

// Package main provides the CLI entrypoint for the fleetd device agent.
//
// The agent accepts configuration via CLI flags, environment variables, or
// fleetd.yaml in the storage root:
//
//   - Storage root: --storage-root flag, FLEETD_STORAGE_ROOT env var, or "/var/lib/fleetd" default
//   - Control plane: --control-plane-url flag, FLEETD_CONTROL_PLANE_URL env var, or fleetd.yaml
//   - MQTT broker: --mqtt-url flag, FLEETD_MQTT_URL env var, or fleetd.yaml
//
// The agent runs until receiving SIGTERM or SIGINT, reaching its configured
// maximum runtime, or idling out, at which point it performs graceful
// shutdown.
package main

import (
	"fmt"
	"os"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "v0.1.0"

// rootCmd is the base command for the fleetd agent CLI.
var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "Fleet device agent",
	Long: `fleetd keeps a fleet device's local filesystem and runtime state
synchronized with the cloud control plane.

It pulls active deployments, projects their config files onto disk
atomically, reports observed status back, and stays responsive to
push notifications over MQTT.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints the agent build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
