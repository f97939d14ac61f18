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
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"fleetd/pkg/api"
	"fleetd/pkg/core/config"
	"fleetd/pkg/core/logging"
	"fleetd/pkg/deployment"
	"fleetd/pkg/deployment/projection"
	"fleetd/pkg/metrics"
	"fleetd/pkg/reconcile"
	"fleetd/pkg/socket"
	"fleetd/pkg/supervisor"
	syncpkg "fleetd/pkg/sync"
	"fleetd/pkg/token"
	"fleetd/pkg/worker"
)

var (
	runStorageRoot     string
	runControlPlaneURL string
	runMQTTURL         string
	runVerbose         int
)

// runCmd represents the run command (agent main loop).
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the fleet device agent",
	Long: `Run the fleet device agent.

The agent pulls active deployments from the control plane, projects their
config files atomically onto the local filesystem, pushes observed status
back, and listens for push notifications over MQTT.

Configuration is loaded from:
1. Command-line flags (highest priority)
2. Environment variables
3. fleetd.yaml in the storage root
4. Default values (lowest priority)

Example usage:
  # Run with default configuration
  fleetd run

  # Run against a staging control plane
  fleetd run --control-plane-url https://staging.example.com

  # Run with an alternate storage root
  fleetd run --storage-root /tmp/fleetd-dev`,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().StringVar(&runStorageRoot, "storage-root", "",
		"Agent state directory (env: FLEETD_STORAGE_ROOT)")
	runCmd.Flags().StringVar(&runControlPlaneURL, "control-plane-url", "",
		"Control-plane base URL (env: FLEETD_CONTROL_PLANE_URL)")
	runCmd.Flags().StringVar(&runMQTTURL, "mqtt-url", "",
		"MQTT broker URL (env: FLEETD_MQTT_URL)")
	runCmd.Flags().IntVar(&runVerbose, "verbose", -1,
		"Log level: 0=WARNING, 1=INFO, 2=DEBUG (env: FLEETD_VERBOSE)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	// Configuration priority: CLI flags > Environment variables > fleetd.yaml > Defaults

	if runStorageRoot == "" {
		runStorageRoot = os.Getenv("FLEETD_STORAGE_ROOT")
	}
	if runStorageRoot == "" {
		runStorageRoot = config.DefaultStorageRoot
	}

	fs := afero.NewOsFs()
	paths := supervisor.NewPaths(runStorageRoot)

	cfg, err := config.LoadConfigFile(fs, paths.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Agent.StorageRoot = runStorageRoot

	if runControlPlaneURL == "" {
		runControlPlaneURL = os.Getenv("FLEETD_CONTROL_PLANE_URL")
	}
	if runControlPlaneURL != "" {
		cfg.ControlPlane.URL = runControlPlaneURL
	}

	if runMQTTURL == "" {
		runMQTTURL = os.Getenv("FLEETD_MQTT_URL")
	}
	if runMQTTURL != "" {
		cfg.MQTT.BrokerURL = runMQTTURL
	}

	if runVerbose < 0 {
		switch os.Getenv("FLEETD_VERBOSE") {
		case "0":
			runVerbose = 0
		case "2":
			runVerbose = 2
		default:
			runVerbose = cfg.Logging.Verbose
			if runVerbose == 0 {
				runVerbose = config.DefaultVerbose
			}
		}
	}

	if err := config.ValidateStructure(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.FromVerbosity(runVerbose)
	slog.SetDefault(logger)

	// Log detected resource limits for observability
	gomaxprocs := runtime.GOMAXPROCS(0)
	var gomemlimit string
	if limit := debug.SetMemoryLimit(-1); limit != math.MaxInt64 {
		gomemlimit = fmt.Sprintf("%d bytes (%.2f MiB)", limit, float64(limit)/(1024*1024))
	} else {
		gomemlimit = "unlimited"
	}

	logger.Info("Fleet device agent starting",
		"version", version,
		"storage_root", runStorageRoot,
		"control_plane", cfg.ControlPlane.URL,
		"mqtt_enabled", *cfg.MQTT.Enabled,
		"gomaxprocs", gomaxprocs,
		"gomemlimit", gomemlimit)

	// Set up signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, fs, cfg, logger); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("agent failed: %w", err)
		}
	}

	logger.Info("Agent shutdown complete")
	return nil
}

// run wires every component over the app state and hands control to the
// supervisor.
func run(ctx context.Context, fs afero.Fs, cfg *config.Config, logger *slog.Logger) error {
	state, err := supervisor.BuildAppState(fs, cfg.Agent.StorageRoot, cfg.Agent.CacheCapacity, logger)
	if err != nil {
		return err
	}

	client, err := api.NewHTTPClient(api.HTTPClientConfig{
		BaseURL:   cfg.ControlPlane.URL,
		Timeout:   cfg.ControlPlane.GetRequestTimeout(),
		UserAgent: "fleetd/" + version,
	}, logger)
	if err != nil {
		return err
	}

	tokens := token.NewManager(state.DeviceID, state.Key, client, state.Token, logger)

	retryPolicy := deployment.RetryPolicy{
		MaxAttempts:  cfg.Deployment.MaxAttempts,
		BaseCooldown: cfg.Deployment.GetRetryBase(),
		GrowthFactor: cfg.Deployment.RetryGrowth,
		MaxCooldown:  cfg.Deployment.GetRetryMax(),
	}
	if retryPolicy.MaxAttempts == 0 {
		retryPolicy.MaxAttempts = deployment.DefaultRetryPolicy().MaxAttempts
	}

	registry := prometheus.NewRegistry()
	collectors := metrics.NewAgent(registry)

	applier := &reconcile.Applier{
		Deployments: state.Deployments,
		Instances:   state.Instances,
		Contents:    state.Contents,
		Projector:   projection.New(fs, state.Paths.DeployDir, state.Paths.StagingDir, logger),
		Policy:      retryPolicy,
		Observers: []reconcile.Observer{
			&reconcile.StorageObserver{Deployments: state.Deployments},
			metricsObserver(collectors),
		},
		Logger: logger,
	}

	cooldown := syncpkg.CooldownPolicy{
		Base:   cfg.Sync.GetCooldownBase(),
		Growth: cfg.Sync.CooldownGrowth,
		Max:    cfg.Sync.GetCooldownMax(),
	}
	syncer := syncpkg.New(syncpkg.Config{
		Client:       client,
		Tokens:       tokens,
		Deployments:  state.Deployments,
		Instances:    state.Instances,
		Contents:     state.Contents,
		Applier:      applier,
		Device:       state.Device,
		AgentVersion: version,
		Policy:       cooldown,
		Metrics:      collectors,
		Logger:       logger,
	})

	tracker := socket.NewTracker()

	sup := supervisor.New(state, supervisor.Config{
		MaxRuntime:       cfg.Lifecycle.GetMaxRuntime(),
		IdleTimeout:      cfg.Lifecycle.GetIdleTimeout(),
		IdlePollInterval: cfg.Lifecycle.GetIdlePollInterval(),
		Tracker:          tracker,
		MaxShutdownDelay: cfg.Lifecycle.GetMaxShutdownDelay(),
	}, logger)

	refresher := worker.NewTokenRefreshWorker(tokens, cfg.Token.GetRefreshAdvance(), cooldown, collectors, logger)
	if err := sup.Register("token-refresh", refresher); err != nil {
		return err
	}

	poller := worker.NewPollWorker(syncer, cfg.Sync.GetPollInterval(), logger)
	if err := sup.Register("poll", poller); err != nil {
		return err
	}

	if *cfg.MQTT.Enabled {
		mqttWorker := worker.NewMQTTWorker(worker.MQTTWorkerConfig{
			BrokerURL: cfg.MQTT.BrokerURL,
			DeviceID:  state.DeviceID,
			SessionID: state.SessionID,
			Client:    client,
			Tokens:    tokens,
			Syncer:    syncer,
			Device:    state.Device,
			Backoff:   cooldown,
			Metrics:   collectors,
			Logger:    logger,

			OperationTimeout: cfg.MQTT.GetOperationTimeout(),
		})
		if err := sup.Register("mqtt", mqttWorker); err != nil {
			return err
		}
	}

	if *cfg.Agent.SocketEnabled {
		socketServer := socket.NewServer(cfg.Agent.SocketPath, state.DeviceID, syncer, tracker, logger)
		if err := sup.Register("socket", socketServer); err != nil {
			return err
		}
	}

	metricsServer := metrics.NewServer(fmt.Sprintf(":%d", cfg.Agent.MetricsPort), registry)
	if err := sup.Register("metrics", metricsServer); err != nil {
		return err
	}

	if err := sup.Register("sync-metrics", syncMetricsWorker(syncer, collectors, state)); err != nil {
		return err
	}

	return sup.Run(ctx)
}

// metricsObserver counts reconciliation outcomes per deployment transition.
func metricsObserver(collectors *metrics.Agent) reconcile.Observer {
	return reconcile.FuncObserver(func(_ context.Context, d api.Deployment) error {
		outcome := "ok"
		if d.ErrorStatus != api.ErrorStatusNone {
			outcome = string(d.ErrorStatus)
		}
		collectors.DeploymentTransitions.WithLabelValues(string(d.ActivityStatus), outcome).Inc()
		return nil
	})
}

// syncMetricsWorker mirrors sync events and cache sizes into the Prometheus
// collectors.
func syncMetricsWorker(syncer *syncpkg.Syncer, collectors *metrics.Agent, state *supervisor.AppState) supervisor.Runner {
	return supervisor.RunnerFunc(func(ctx context.Context) error {
		events := syncer.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				switch ev.Kind {
				case syncpkg.EventSyncSuccess:
					collectors.SyncTotal.WithLabelValues("success").Inc()
				case syncpkg.EventSyncFailed:
					result := "error"
					if ev.IsNetworkConnectionError {
						result = "network_error"
					}
					collectors.SyncTotal.WithLabelValues(result).Inc()
				case syncpkg.EventCooldownEnd:
					continue
				}

				if entries, err := state.Deployments.Entries(); err == nil {
					byStatus := map[api.ActivityStatus]int{}
					for _, entry := range entries {
						byStatus[entry.Value.ActivityStatus]++
					}
					collectors.DeploymentsByStatus.Reset()
					for status, n := range byStatus {
						collectors.DeploymentsByStatus.WithLabelValues(string(status)).Set(float64(n))
					}
					collectors.CacheEntries.WithLabelValues("deployments").Set(float64(len(entries)))
				}
				if n, err := state.Instances.Size(); err == nil {
					collectors.CacheEntries.WithLabelValues("config-instances").Set(float64(n))
				}
				if n, err := state.Contents.Size(); err == nil {
					collectors.CacheEntries.WithLabelValues("contents").Set(float64(n))
				}
			}
		}
	})
}
