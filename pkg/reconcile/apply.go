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

// Package reconcile drives one deployment through the FSM's verdict: resolve
// its config instances, displace conflicting deployments, call the
// filesystem projection, and report every decisive transition to observers.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"fleetd/pkg/api"
	"fleetd/pkg/deployment"
	"fleetd/pkg/deployment/projection"
	"fleetd/pkg/store/cache"
)

// Observer sees every decisive deployment transition, in order. The storage
// observer persists them; tests snapshot them. Observers at no point see two
// deployments in activity=Deployed.
type Observer interface {
	ObserveTransition(ctx context.Context, d api.Deployment) error
}

// Applier applies FSM decisions for single deployments.
type Applier struct {
	Deployments *cache.Cache[api.Deployment]
	Instances   *cache.Cache[api.ConfigInstance]
	Contents    *cache.Cache[json.RawMessage]
	Projector   *projection.Projector
	Policy      deployment.RetryPolicy
	Observers   []Observer
	Logger      *slog.Logger
	Now         func() time.Time
}

func (a *Applier) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Apply executes the next action for d and returns the updated deployment.
//
// Failure of the projection (or a missing config instance) marks the
// deployment retrying via the FSM error transition; observers are still
// notified so the retrying state is persisted and pushed.
func (a *Applier) Apply(ctx context.Context, d api.Deployment) (api.Deployment, error) {
	decision := deployment.NextAction(d, true, a.now())

	switch decision.Action {
	case deployment.ActionNone, deployment.ActionWait:
		return d, nil

	case deployment.ActionDeploy:
		return a.deploy(ctx, d)

	case deployment.ActionRemove:
		// Removing the live deployment has no successor to swap in, so the
		// projected tree is torn down outright.
		if err := a.Projector.Clear(ctx); err != nil {
			return a.fail(ctx, d, err)
		}
		return a.transition(ctx, deployment.Remove(d))

	case deployment.ActionArchive:
		return a.transition(ctx, deployment.Archive(d))

	default:
		return d, fmt.Errorf("deployment %s: unhandled action %s", d.ID, decision.Action)
	}
}

func (a *Applier) deploy(ctx context.Context, d api.Deployment) (api.Deployment, error) {
	refs, err := a.resolveInstanceRefs(d)
	if err != nil {
		return a.fail(ctx, d, err)
	}

	specs, err := projection.Resolve(ctx, contentReader{a.Contents}, refs)
	if err != nil {
		return a.fail(ctx, d, err)
	}

	conflicts, err := a.conflicts(d)
	if err != nil {
		return d, err
	}

	if err := a.Projector.Project(ctx, specs); err != nil {
		return a.fail(ctx, d, err)
	}

	// Retire the displaced deployments before announcing the new one so no
	// observer snapshot ever holds two Deployed deployments.
	for _, conflict := range conflicts {
		if err := a.notify(ctx, deployment.Remove(conflict)); err != nil {
			return d, err
		}
	}
	return a.transition(ctx, deployment.Deploy(d))
}

// resolveInstanceRefs maps the deployment's config-instance ids through the
// metadata cache. A missing id is fatal for this deployment, not skipped:
// deploying a partial file set would be worse than retrying.
func (a *Applier) resolveInstanceRefs(d api.Deployment) ([]projection.InstanceRef, error) {
	refs := make([]projection.InstanceRef, 0, len(d.ConfigInstanceIDs))
	for _, id := range d.ConfigInstanceIDs {
		inst, err := a.Instances.ReadOptional(id)
		if err != nil {
			return nil, err
		}
		if inst == nil {
			return nil, fmt.Errorf("deployment %s references unknown config instance %s", d.ID, id)
		}
		refs = append(refs, projection.InstanceRef{
			ID:               inst.ID,
			RelativeFilepath: inst.RelativeFilepath,
		})
	}
	return refs, nil
}

// conflicts returns every other deployment currently in activity=Deployed.
func (a *Applier) conflicts(d api.Deployment) ([]api.Deployment, error) {
	return a.Deployments.FindWhere(func(e cache.Entry[api.Deployment]) bool {
		return e.Value.ID != d.ID && e.Value.ActivityStatus == api.ActivityStatusDeployed
	})
}

// fail applies the FSM error transition and notifies observers with the now
// retrying (or failed) deployment. The original error is returned alongside.
func (a *Applier) fail(ctx context.Context, d api.Deployment, cause error) (api.Deployment, error) {
	out := deployment.Error(d, a.Policy, cause, true, a.now())
	if notifyErr := a.notify(ctx, out); notifyErr != nil {
		return out, fmt.Errorf("%w (and observer notification failed: %v)", cause, notifyErr)
	}
	a.Logger.Warn("deployment apply failed",
		"deployment_id", d.ID,
		"attempts", out.Attempts,
		"error_status", out.ErrorStatus,
		"error", cause)
	return out, cause
}

func (a *Applier) transition(ctx context.Context, d api.Deployment) (api.Deployment, error) {
	if err := a.notify(ctx, d); err != nil {
		return d, err
	}
	a.Logger.Info("deployment transitioned",
		"deployment_id", d.ID,
		"activity_status", d.ActivityStatus,
		"error_status", d.ErrorStatus)
	return d, nil
}

func (a *Applier) notify(ctx context.Context, d api.Deployment) error {
	for _, obs := range a.Observers {
		if err := obs.ObserveTransition(ctx, d.Clone()); err != nil {
			return fmt.Errorf("observer rejected transition of %s: %w", d.ID, err)
		}
	}
	return nil
}

// contentReader adapts the content cache to the projection's reader.
type contentReader struct {
	contents *cache.Cache[json.RawMessage]
}

func (r contentReader) ReadContent(_ context.Context, id string) (json.RawMessage, error) {
	content, err := r.contents.ReadOptional(id)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, fmt.Errorf("content of config instance %s is not cached", id)
	}
	return *content, nil
}
