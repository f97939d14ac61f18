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

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Agent bundles the agent's collectors. One instance per agent lifecycle,
// registered on an instance registry.
type Agent struct {
	// SyncTotal counts sync passes by result (success, network_error, error).
	SyncTotal *prometheus.CounterVec

	// SyncDuration observes the wall time of full sync passes.
	SyncDuration prometheus.Histogram

	// DeploymentsByStatus tracks cached deployments per activity status.
	DeploymentsByStatus *prometheus.GaugeVec

	// DeploymentTransitions counts reconciliation results by the activity
	// status a deployment landed in and the outcome.
	DeploymentTransitions *prometheus.CounterVec

	// CacheEntries tracks entry counts per cache.
	CacheEntries *prometheus.GaugeVec

	// MQTTConnected is 1 while the broker session is up.
	MQTTConnected prometheus.Gauge

	// TokenRefreshTotal counts refresh attempts by result.
	TokenRefreshTotal *prometheus.CounterVec
}

// NewAgent registers all agent collectors on the given registry.
func NewAgent(registry prometheus.Registerer) *Agent {
	return &Agent{
		SyncTotal: NewCounterVec(registry,
			"fleetd_sync_total",
			"Sync passes by result",
			[]string{"result"}),
		SyncDuration: NewHistogramWithBuckets(registry,
			"fleetd_sync_duration_seconds",
			"Wall time of full sync passes",
			DurationBuckets()),
		DeploymentsByStatus: NewGaugeVec(registry,
			"fleetd_deployments",
			"Cached deployments per activity status",
			[]string{"activity_status"}),
		DeploymentTransitions: NewCounterVec(registry,
			"fleetd_deployment_transitions_total",
			"Reconciliation results, by resulting activity status and outcome",
			[]string{"activity_status", "outcome"}),
		CacheEntries: NewGaugeVec(registry,
			"fleetd_cache_entries",
			"Entries per typed cache",
			[]string{"cache"}),
		MQTTConnected: NewGauge(registry,
			"fleetd_mqtt_connected",
			"1 while the broker session is established"),
		TokenRefreshTotal: NewCounterVec(registry,
			"fleetd_token_refresh_total",
			"Token refresh attempts by result",
			[]string{"result"}),
	}
}
