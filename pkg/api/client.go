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

package api

import "context"

// ListDeploymentsFilter narrows the deployments returned by the control plane.
type ListDeploymentsFilter struct {
	// ActivityStatuses filters to deployments in any of these activity states.
	ActivityStatuses []ActivityStatus

	// ExpandContent asks the control plane to embed config instances with
	// their content in each deployment.
	ExpandContent bool
}

// DeploymentUpdate is the observed state pushed back to the control plane.
type DeploymentUpdate struct {
	ActivityStatus ActivityStatus `json:"activity_status"`
	ErrorStatus    ErrorStatus    `json:"error_status"`
}

// DeviceUpdate patches mutable device-record fields.
type DeviceUpdate struct {
	Status       *DeviceStatus `json:"status,omitempty"`
	AgentVersion *string       `json:"agent_version,omitempty"`
}

// Client is the control-plane surface the sync loop depends on.
//
// Implementations must classify failures: transport errors as
// network-connection errors and 401-equivalents as authentication errors
// (see pkg/agenterr).
type Client interface {
	// ListAllDeployments returns every deployment matching the filter,
	// following pagination internally.
	ListAllDeployments(ctx context.Context, filter ListDeploymentsFilter, token string) ([]Deployment, error)

	// UpdateDeployment pushes the observed activity and error status of one
	// deployment.
	UpdateDeployment(ctx context.Context, id string, update DeploymentUpdate, token string) (*Deployment, error)

	// UpdateDevice patches the device record.
	UpdateDevice(ctx context.Context, id string, update DeviceUpdate, token string) (*Device, error)

	// IssueDeviceToken exchanges a request signed by the device private key
	// for a fresh bearer token.
	IssueDeviceToken(ctx context.Context, deviceID, signedRequest string) (*Token, error)
}
