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

// Package api defines the control-plane data model consumed by the agent and
// the client used to talk to it.
//
// Status fields tolerate unknown string values on ingest: they deserialize to
// their default variant with a warning. This is a compatibility guarantee
// toward newer control planes, not a bug.
package api

import (
	"encoding/json"
	"log/slog"
	"time"
)

// TargetStatus is what the control plane wants a deployment to be.
type TargetStatus string

const (
	TargetStatusStaged   TargetStatus = "staged"
	TargetStatusDeployed TargetStatus = "deployed"
	TargetStatusArchived TargetStatus = "archived"
)

func (s *TargetStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch TargetStatus(raw) {
	case TargetStatusStaged, TargetStatusDeployed, TargetStatusArchived:
		*s = TargetStatus(raw)
	default:
		slog.Warn("unknown target status, defaulting", "value", raw, "default", TargetStatusStaged)
		*s = TargetStatusStaged
	}
	return nil
}

// ActivityStatus is what the agent has actually done for a deployment.
type ActivityStatus string

const (
	ActivityStatusDrifted  ActivityStatus = "drifted"
	ActivityStatusStaged   ActivityStatus = "staged"
	ActivityStatusQueued   ActivityStatus = "queued"
	ActivityStatusDeployed ActivityStatus = "deployed"
	ActivityStatusArchived ActivityStatus = "archived"
)

func (s *ActivityStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch ActivityStatus(raw) {
	case ActivityStatusDrifted, ActivityStatusStaged, ActivityStatusQueued,
		ActivityStatusDeployed, ActivityStatusArchived:
		*s = ActivityStatus(raw)
	default:
		slog.Warn("unknown activity status, defaulting", "value", raw, "default", ActivityStatusDrifted)
		*s = ActivityStatusDrifted
	}
	return nil
}

// ErrorStatus is the orthogonal retry/failure state of a deployment.
type ErrorStatus string

const (
	ErrorStatusNone     ErrorStatus = "none"
	ErrorStatusRetrying ErrorStatus = "retrying"
	ErrorStatusFailed   ErrorStatus = "failed"
)

func (s *ErrorStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch ErrorStatus(raw) {
	case ErrorStatusNone, ErrorStatusRetrying, ErrorStatusFailed:
		*s = ErrorStatus(raw)
	default:
		slog.Warn("unknown error status, defaulting", "value", raw, "default", ErrorStatusNone)
		*s = ErrorStatusNone
	}
	return nil
}

// Deployment is the unit the reconciliation engine works on: a named set of
// config-instance ids plus three orthogonal status axes.
//
// Attempts and CooldownEndsAt are agent-local retry bookkeeping. They never
// come from the control plane and pull merges must preserve them.
type Deployment struct {
	ID                string         `json:"id"`
	Description       string         `json:"description,omitempty"`
	TargetStatus      TargetStatus   `json:"target_status"`
	ActivityStatus    ActivityStatus `json:"activity_status"`
	ErrorStatus       ErrorStatus    `json:"error_status"`
	DeviceID          string         `json:"device_id"`
	ReleaseID         string         `json:"release_id"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	ConfigInstanceIDs []string       `json:"config_instance_ids"`

	// Agent-local retry state.
	Attempts       uint32     `json:"attempts,omitempty"`
	CooldownEndsAt *time.Time `json:"cooldown_ends_at,omitempty"`

	// ConfigInstances is populated only when the list request asks for
	// content expansions.
	ConfigInstances []ConfigInstance `json:"config_instances,omitempty"`
}

// Status is the derived status surfaced to observers: Failed and Retrying
// take precedence over activity, otherwise activity maps one to one.
func (d Deployment) Status() string {
	switch d.ErrorStatus {
	case ErrorStatusFailed:
		return string(ErrorStatusFailed)
	case ErrorStatusRetrying:
		return string(ErrorStatusRetrying)
	default:
		return string(d.ActivityStatus)
	}
}

// Clone returns a deep copy. Deployments cross actor mailboxes by value; the
// slices must not be shared.
func (d Deployment) Clone() Deployment {
	out := d
	if d.ConfigInstanceIDs != nil {
		out.ConfigInstanceIDs = append([]string(nil), d.ConfigInstanceIDs...)
	}
	if d.ConfigInstances != nil {
		out.ConfigInstances = append([]ConfigInstance(nil), d.ConfigInstances...)
	}
	if d.CooldownEndsAt != nil {
		t := *d.CooldownEndsAt
		out.CooldownEndsAt = &t
	}
	return out
}

// ConfigInstance is a file with JSON content and a target filepath relative
// to the deployment root. Content lives in a separate cache keyed by the same
// id so the metadata cache stays small.
type ConfigInstance struct {
	ID               string          `json:"id"`
	ConfigTypeName   string          `json:"config_type_name"`
	RelativeFilepath string          `json:"relative_filepath"`
	ConfigSchemaID   string          `json:"config_schema_id,omitempty"`
	ConfigTypeID     string          `json:"config_type_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Content          json.RawMessage `json:"content,omitempty"`
}

// DeviceStatus is the connectivity bit mirrored to the control plane.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

// Device is the device record persisted at device.json and patched as the
// MQTT connection comes and goes.
type Device struct {
	ID                 string       `json:"id"`
	SessionID          string       `json:"session_id"`
	Status             DeviceStatus `json:"status"`
	LastConnectedAt    *time.Time   `json:"last_connected_at,omitempty"`
	LastDisconnectedAt *time.Time   `json:"last_disconnected_at,omitempty"`
	AgentVersion       string       `json:"agent_version,omitempty"`
}

// Token is a bearer credential with an absolute expiry.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiresWithin reports whether the token expires before now+lead.
func (t Token) ExpiresWithin(now time.Time, lead time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(lead))
}
