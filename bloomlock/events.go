// Copyright 2024 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

package bloomlock

// Events provides a [Lock] with optional callbacks to monitor batching
// behavior and to surface misuse.
//
// See [Lock.SetEvents].
type Events struct {
	// OnActivate is called when a batch becomes active. requests is
	// the number of merged acquisitions in the batch.
	OnActivate func(requests int)

	// OnEnqueue is called when a request cannot merge into an
	// accepting batch and opens a new one.
	OnEnqueue func()

	// OnReentrant is called when a goroutine acquires a lock it
	// already holds. depth is the number of acquisitions of that lock
	// already outstanding on the calling goroutine. Reentrant acquisition is
	// not supported and will deadlock absent outside help; the
	// callback exists to surface the bug, not to bless it.
	//
	// Installing this callback enables per-goroutine tracking of
	// held locks, which adds a goroutine-ID lookup to every
	// acquire and release.
	OnReentrant func(depth int)
}

func (e *Events) doActivate(requests int) {
	if e != nil && e.OnActivate != nil {
		e.OnActivate(requests)
	}
}

func (e *Events) doEnqueue() {
	if e != nil && e.OnEnqueue != nil {
		e.OnEnqueue()
	}
}

func (e *Events) doReentrant(depth int) {
	if e != nil && e.OnReentrant != nil {
		e.OnReentrant(depth)
	}
}

func (e *Events) tracking() bool {
	return e != nil && e.OnReentrant != nil
}
