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

// Package deployment holds the pure decision core of the reconciliation
// engine: the finite-state machine that maps a deployment's statuses onto
// the next action, plus the transition helpers for success and error paths.
// Nothing in this package performs I/O or suspends.
package deployment

import (
	"math"
	"time"

	"fleetd/pkg/agenterr"
	"fleetd/pkg/api"
)

// Action is the FSM's verdict for one deployment.
type Action int

const (
	ActionNone Action = iota
	ActionDeploy
	ActionRemove
	ActionArchive
	ActionWait
)

func (a Action) String() string {
	switch a {
	case ActionDeploy:
		return "deploy"
	case ActionRemove:
		return "remove"
	case ActionArchive:
		return "archive"
	case ActionWait:
		return "wait"
	default:
		return "none"
	}
}

// Decision pairs an action with the remaining cooldown for ActionWait.
type Decision struct {
	Action Action
	Wait   time.Duration
}

// Required reports whether the decision demands filesystem or status work.
func (d Decision) Required() bool {
	switch d.Action {
	case ActionDeploy, ActionRemove, ActionArchive:
		return true
	default:
		return false
	}
}

// RetryPolicy bounds the error transition.
type RetryPolicy struct {
	MaxAttempts  uint32
	BaseCooldown time.Duration
	GrowthFactor uint32
	MaxCooldown  time.Duration
}

// DefaultRetryPolicy keeps deployments retrying effectively forever: whether
// a deployment should ever go terminally Failed is an operator policy call,
// so the shipped default never reaches it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  math.MaxInt32,
		BaseCooldown: 15 * time.Second,
		GrowthFactor: 2,
		MaxCooldown:  24 * time.Hour,
	}
}

// NextAction decides what to do with d at time now.
//
// Failed deployments are terminal. A future cooldown (when honored) yields
// ActionWait with the remaining duration. Otherwise the verdict comes from
// the (target, activity) pair; combinations not listed are ActionNone.
func NextAction(d api.Deployment, useCooldown bool, now time.Time) Decision {
	if d.ErrorStatus == api.ErrorStatusFailed {
		return Decision{Action: ActionNone}
	}

	if useCooldown && d.CooldownEndsAt != nil && d.CooldownEndsAt.After(now) {
		return Decision{Action: ActionWait, Wait: d.CooldownEndsAt.Sub(now)}
	}

	switch d.TargetStatus {
	case api.TargetStatusStaged:
		switch d.ActivityStatus {
		case api.ActivityStatusQueued:
			return Decision{Action: ActionArchive}
		case api.ActivityStatusDeployed:
			return Decision{Action: ActionRemove}
		}
	case api.TargetStatusDeployed:
		switch d.ActivityStatus {
		case api.ActivityStatusQueued, api.ActivityStatusArchived:
			return Decision{Action: ActionDeploy}
		}
	case api.TargetStatusArchived:
		switch d.ActivityStatus {
		case api.ActivityStatusDrifted, api.ActivityStatusStaged, api.ActivityStatusQueued:
			return Decision{Action: ActionArchive}
		case api.ActivityStatusDeployed:
			return Decision{Action: ActionRemove}
		}
	}
	return Decision{Action: ActionNone}
}

// Deploy records a successful deploy.
func Deploy(d api.Deployment) api.Deployment {
	return succeed(d, api.ActivityStatusDeployed)
}

// Remove records a successful removal. Removed deployments are retained as
// archived until evicted.
func Remove(d api.Deployment) api.Deployment {
	return succeed(d, api.ActivityStatusArchived)
}

// Archive records a successful archive.
func Archive(d api.Deployment) api.Deployment {
	return succeed(d, api.ActivityStatusArchived)
}

// succeed applies a success transition. A Retrying deployment that lands on
// an activity satisfying its target recovers: error clears and the attempt
// counter resets. Any other outcome preserves the error state so partial
// progress never masks an unresolved failure.
func succeed(d api.Deployment, activity api.ActivityStatus) api.Deployment {
	out := d.Clone()
	out.ActivityStatus = activity

	if d.ErrorStatus == api.ErrorStatusRetrying && satisfiesTarget(activity, d.TargetStatus) {
		out.ErrorStatus = api.ErrorStatusNone
		out.Attempts = 0
		out.CooldownEndsAt = nil
	}
	return out
}

func satisfiesTarget(activity api.ActivityStatus, target api.TargetStatus) bool {
	switch target {
	case api.TargetStatusDeployed:
		return activity == api.ActivityStatusDeployed
	case api.TargetStatusStaged:
		return activity != api.ActivityStatusDeployed
	case api.TargetStatusArchived:
		return activity == api.ActivityStatusArchived
	default:
		return false
	}
}

// Error applies the error transition for err at time now.
//
// Network-connection errors never advance the attempts counter but still
// extend the cooldown; everything else increments when incrementAttempts is
// set. Crossing the policy's attempt ceiling (or already being Failed) makes
// the deployment terminally Failed. Activity is unchanged.
func Error(d api.Deployment, policy RetryPolicy, err error, incrementAttempts bool, now time.Time) api.Deployment {
	out := d.Clone()

	attempts := d.Attempts
	if incrementAttempts && !agenterr.IsNetworkConnection(err) {
		attempts++
	}
	out.Attempts = attempts

	if attempts >= policy.MaxAttempts || d.ErrorStatus == api.ErrorStatusFailed {
		out.ErrorStatus = api.ErrorStatusFailed
	} else {
		out.ErrorStatus = api.ErrorStatusRetrying
	}

	ends := now.Add(Backoff(policy.BaseCooldown, policy.GrowthFactor, attempts, policy.MaxCooldown))
	out.CooldownEndsAt = &ends
	return out
}

// Backoff computes min(base * growth^n, ceiling), saturating instead of
// overflowing.
func Backoff(base time.Duration, growth uint32, n uint32, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if growth == 0 {
		growth = 1
	}

	out := base
	for i := uint32(0); i < n; i++ {
		next := out * time.Duration(growth)
		if next < out || next > ceiling {
			return ceiling
		}
		out = next
	}
	if out > ceiling {
		return ceiling
	}
	return out
}
