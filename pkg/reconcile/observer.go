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

package reconcile

import (
	"context"

	"fleetd/pkg/api"
	"fleetd/pkg/fsutil"
	"fleetd/pkg/store/cache"
)

// StorageObserver persists every transition into the deployment cache.
//
// The dirty predicate is what makes the sync push phase precise: an entry
// goes dirty exactly when it was already dirty, its observable status
// changed, or it is new. Everything else stays clean and is never pushed.
type StorageObserver struct {
	Deployments *cache.Cache[api.Deployment]
}

func (o *StorageObserver) ObserveTransition(_ context.Context, d api.Deployment) error {
	return o.Deployments.Write(d.ID, d, dirtyOnStatusChange, fsutil.OverwriteAllow)
}

func dirtyOnStatusChange(prev *cache.Entry[api.Deployment], next api.Deployment) bool {
	if prev == nil {
		return true
	}
	return prev.IsDirty ||
		prev.Value.ActivityStatus != next.ActivityStatus ||
		prev.Value.ErrorStatus != next.ErrorStatus
}

// FuncObserver adapts a function to the Observer interface, for tests and
// metrics hooks.
type FuncObserver func(ctx context.Context, d api.Deployment) error

func (f FuncObserver) ObserveTransition(ctx context.Context, d api.Deployment) error {
	return f(ctx, d)
}
