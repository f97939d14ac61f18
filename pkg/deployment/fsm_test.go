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

package deployment

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/pkg/agenterr"
	"fleetd/pkg/api"
)

var fsmNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func dep(target api.TargetStatus, activity api.ActivityStatus) api.Deployment {
	return api.Deployment{
		ID:             "d1",
		TargetStatus:   target,
		ActivityStatus: activity,
		ErrorStatus:    api.ErrorStatusNone,
	}
}

func TestNextAction_DecisionTable(t *testing.T) {
	targets := []api.TargetStatus{
		api.TargetStatusStaged, api.TargetStatusDeployed, api.TargetStatusArchived,
	}
	activities := []api.ActivityStatus{
		api.ActivityStatusDrifted, api.ActivityStatusStaged, api.ActivityStatusQueued,
		api.ActivityStatusDeployed, api.ActivityStatusArchived,
	}

	expected := map[api.TargetStatus]map[api.ActivityStatus]Action{
		api.TargetStatusStaged: {
			api.ActivityStatusQueued:   ActionArchive,
			api.ActivityStatusDeployed: ActionRemove,
		},
		api.TargetStatusDeployed: {
			api.ActivityStatusQueued:   ActionDeploy,
			api.ActivityStatusArchived: ActionDeploy,
		},
		api.TargetStatusArchived: {
			api.ActivityStatusDrifted:  ActionArchive,
			api.ActivityStatusStaged:   ActionArchive,
			api.ActivityStatusQueued:   ActionArchive,
			api.ActivityStatusDeployed: ActionRemove,
		},
	}

	// Every (target, activity) pair must decide; unlisted pairs are None.
	for _, target := range targets {
		for _, activity := range activities {
			want := ActionNone
			if row, ok := expected[target]; ok {
				if action, ok := row[activity]; ok {
					want = action
				}
			}

			got := NextAction(dep(target, activity), true, fsmNow)
			assert.Equal(t, want, got.Action, "target=%s activity=%s", target, activity)
		}
	}
}

func TestNextAction_FailedIsTerminal(t *testing.T) {
	for _, target := range []api.TargetStatus{
		api.TargetStatusStaged, api.TargetStatusDeployed, api.TargetStatusArchived,
	} {
		d := dep(target, api.ActivityStatusQueued)
		d.ErrorStatus = api.ErrorStatusFailed

		got := NextAction(d, true, fsmNow)
		assert.Equal(t, ActionNone, got.Action, "target=%s", target)
	}
}

func TestNextAction_CooldownYieldsWait(t *testing.T) {
	d := dep(api.TargetStatusDeployed, api.ActivityStatusQueued)
	ends := fsmNow.Add(42 * time.Second)
	d.CooldownEndsAt = &ends
	d.ErrorStatus = api.ErrorStatusRetrying

	got := NextAction(d, true, fsmNow)
	require.Equal(t, ActionWait, got.Action)
	assert.Equal(t, 42*time.Second, got.Wait)
	assert.False(t, got.Required())
}

func TestNextAction_CooldownIgnoredWhenDisabled(t *testing.T) {
	d := dep(api.TargetStatusDeployed, api.ActivityStatusQueued)
	ends := fsmNow.Add(time.Hour)
	d.CooldownEndsAt = &ends

	got := NextAction(d, false, fsmNow)
	assert.Equal(t, ActionDeploy, got.Action)
}

func TestNextAction_ExpiredCooldownDecidesNormally(t *testing.T) {
	d := dep(api.TargetStatusDeployed, api.ActivityStatusQueued)
	ends := fsmNow.Add(-time.Second)
	d.CooldownEndsAt = &ends

	got := NextAction(d, true, fsmNow)
	assert.Equal(t, ActionDeploy, got.Action)
}

func TestDeploy_RecoversRetryingDeployment(t *testing.T) {
	d := dep(api.TargetStatusDeployed, api.ActivityStatusQueued)
	d.ErrorStatus = api.ErrorStatusRetrying
	d.Attempts = 3
	ends := fsmNow.Add(time.Minute)
	d.CooldownEndsAt = &ends

	out := Deploy(d)
	assert.Equal(t, api.ActivityStatusDeployed, out.ActivityStatus)
	assert.Equal(t, api.ErrorStatusNone, out.ErrorStatus)
	assert.Equal(t, uint32(0), out.Attempts)
	assert.Nil(t, out.CooldownEndsAt)
}

func TestRemove_DoesNotRecoverWhenTargetIsDeployed(t *testing.T) {
	// Removing while the control plane wants the deployment live is progress
	// toward a conflict resolution, not recovery of this deployment.
	d := dep(api.TargetStatusDeployed, api.ActivityStatusDeployed)
	d.ErrorStatus = api.ErrorStatusRetrying
	d.Attempts = 2

	out := Remove(d)
	assert.Equal(t, api.ActivityStatusArchived, out.ActivityStatus)
	assert.Equal(t, api.ErrorStatusRetrying, out.ErrorStatus)
	assert.Equal(t, uint32(2), out.Attempts)
}

func TestArchive_RecoversWhenTargetIsArchived(t *testing.T) {
	d := dep(api.TargetStatusArchived, api.ActivityStatusDeployed)
	d.ErrorStatus = api.ErrorStatusRetrying
	d.Attempts = 1

	out := Archive(d)
	assert.Equal(t, api.ActivityStatusArchived, out.ActivityStatus)
	assert.Equal(t, api.ErrorStatusNone, out.ErrorStatus)
	assert.Equal(t, uint32(0), out.Attempts)
}

func TestSucceed_CleanDeploymentStaysClean(t *testing.T) {
	d := dep(api.TargetStatusDeployed, api.ActivityStatusQueued)

	out := Deploy(d)
	assert.Equal(t, api.ErrorStatusNone, out.ErrorStatus)
	assert.Equal(t, uint32(0), out.Attempts)
}

func TestError_IncrementsAttemptsAndSetsCooldown(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:  5,
		BaseCooldown: 10 * time.Second,
		GrowthFactor: 2,
		MaxCooldown:  time.Hour,
	}
	d := dep(api.TargetStatusDeployed, api.ActivityStatusQueued)

	out := Error(d, policy, errors.New("disk full"), true, fsmNow)
	assert.Equal(t, uint32(1), out.Attempts)
	assert.Equal(t, api.ErrorStatusRetrying, out.ErrorStatus)
	assert.Equal(t, api.ActivityStatusQueued, out.ActivityStatus)
	require.NotNil(t, out.CooldownEndsAt)
	assert.Equal(t, fsmNow.Add(20*time.Second), *out.CooldownEndsAt)
}

func TestError_NetworkErrorKeepsAttempts(t *testing.T) {
	policy := DefaultRetryPolicy()
	d := dep(api.TargetStatusDeployed, api.ActivityStatusQueued)
	d.Attempts = 3

	out := Error(d, policy, agenterr.Network(errors.New("connection refused")), true, fsmNow)
	assert.Equal(t, uint32(3), out.Attempts)
	assert.Equal(t, api.ErrorStatusRetrying, out.ErrorStatus)
	require.NotNil(t, out.CooldownEndsAt)
}

func TestError_NoIncrementWhenDisabled(t *testing.T) {
	policy := DefaultRetryPolicy()
	d := dep(api.TargetStatusDeployed, api.ActivityStatusQueued)
	d.Attempts = 2

	out := Error(d, policy, errors.New("boom"), false, fsmNow)
	assert.Equal(t, uint32(2), out.Attempts)
}

func TestError_MaxAttemptsMarksFailed(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:  3,
		BaseCooldown: time.Second,
		GrowthFactor: 2,
		MaxCooldown:  time.Hour,
	}
	d := dep(api.TargetStatusDeployed, api.ActivityStatusQueued)
	d.Attempts = 2
	d.ErrorStatus = api.ErrorStatusRetrying

	out := Error(d, policy, errors.New("boom"), true, fsmNow)
	assert.Equal(t, uint32(3), out.Attempts)
	assert.Equal(t, api.ErrorStatusFailed, out.ErrorStatus)
}

func TestError_FailedStaysFailed(t *testing.T) {
	policy := DefaultRetryPolicy()
	d := dep(api.TargetStatusDeployed, api.ActivityStatusQueued)
	d.ErrorStatus = api.ErrorStatusFailed

	out := Error(d, policy, errors.New("boom"), true, fsmNow)
	assert.Equal(t, api.ErrorStatusFailed, out.ErrorStatus)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		growth  uint32
		n       uint32
		ceiling time.Duration
		want    time.Duration
	}{
		{"zero attempts returns base", 15 * time.Second, 2, 0, 24 * time.Hour, 15 * time.Second},
		{"single doubling", 15 * time.Second, 2, 1, 24 * time.Hour, 30 * time.Second},
		{"exponential growth", 15 * time.Second, 2, 4, 24 * time.Hour, 240 * time.Second},
		{"ceiling caps growth", time.Minute, 2, 20, time.Hour, time.Hour},
		{"huge n saturates instead of overflowing", time.Second, 10, 1000, 24 * time.Hour, 24 * time.Hour},
		{"zero base", 0, 2, 5, time.Hour, 0},
		{"growth zero treated as one", time.Second, 0, 5, time.Hour, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.base, tt.growth, tt.n, tt.ceiling))
		})
	}
}
