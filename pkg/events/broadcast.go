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

// Package events provides a latest-value broadcast channel.
//
// Unlike a queue, each subscriber holds at most one pending event: a newer
// publish replaces an unseen older one. Subscribers must tolerate missed
// intermediate values and re-derive totals from published state when they
// need them. This deliberately cannot be saturated by the poll and MQTT
// workers during an outage, which an unbounded queue would be.
package events

import "sync"

// Broadcaster fans values out to subscribers, keeping only the latest
// unconsumed value per subscriber.
type Broadcaster[T any] struct {
	mu   sync.Mutex
	subs []chan T
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{}
}

// Subscribe returns a channel that delivers the latest published value.
// The channel is never closed; subscribers stop reading to unsubscribe.
func (b *Broadcaster[T]) Subscribe() <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, 1)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers v to every subscriber, replacing any value a subscriber
// has not consumed yet. Never blocks.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		for {
			select {
			case ch <- v:
			default:
				// Full: evict the stale value and retry. The inner
				// receive cannot block because only Publish (serialized
				// by b.mu) writes to the channel.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
