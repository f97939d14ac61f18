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

package sync

import "time"

// EventKind enumerates the sync loop's published events.
type EventKind int

const (
	// EventSyncSuccess is published after a sync with no errors.
	EventSyncSuccess EventKind = iota

	// EventSyncFailed is published after a sync that returned errors,
	// carrying the classification of the first-encountered error.
	EventSyncFailed

	// EventCooldownEnd is published when the cooldown scheduled for a sync
	// attempt ends, so waiters wake deterministically.
	EventCooldownEnd
)

func (k EventKind) String() string {
	switch k {
	case EventSyncSuccess:
		return "sync-success"
	case EventSyncFailed:
		return "sync-failed"
	case EventCooldownEnd:
		return "cooldown-end"
	default:
		return "unknown"
	}
}

// CooldownCause says which outcome scheduled the ended cooldown.
type CooldownCause int

const (
	FromSyncSuccess CooldownCause = iota
	FromSyncFailure
)

// Event is one sync-loop notification. Events travel over a latest-value
// broadcast: subscribers may miss intermediate values and must re-derive
// from State when they need totals.
type Event struct {
	Kind EventKind

	// IsNetworkConnectionError is set for EventSyncFailed.
	IsNetworkConnectionError bool

	// Cause is set for EventCooldownEnd.
	Cause CooldownCause

	At time.Time
}
