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

import (
	"fmt"

	"github.com/cockroachdb/field-eng-locktools/bloomset"
	"github.com/cockroachdb/field-eng-locktools/notify"
	"go.uber.org/atomic"
)

// mergeSaturation bounds a read-write batch. A read-write batch that
// has merged this many requests stops accepting more, and an intention
// carrying more than this many writes is never merged: writer-heavy
// intentions rarely compose and compound the filters' false-positive
// rate. Read-only batches admit reads without a request limit.
const mergeSaturation = 8

// recordType classifies what a record will still admit.
type recordType int32

const (
	// recordNone is an empty record; it adopts the first request.
	recordNone recordType = iota
	// recordReadOnly admits any read-only request.
	recordReadOnly
	// recordReadWrite admits requests that pass the bloom conflict
	// test.
	recordReadWrite
	// recordExclusive admits nothing further.
	recordExclusive
	// recordGlobal is a single global write; admits nothing further.
	recordGlobal
)

func (t recordType) String() string {
	switch t {
	case recordNone:
		return "none"
	case recordReadOnly:
		return "read-only"
	case recordReadWrite:
		return "read-write"
	case recordExclusive:
		return "exclusive"
	case recordGlobal:
		return "global"
	default:
		return fmt.Sprintf("recordType(%d)", int32(t))
	}
}

// phase is the latch state of a record.
type phase int32

const (
	phaseIdle phase = iota
	phaseActive
	phaseClosed
)

// A record is one batch of merged lock intentions. Classification and
// merge fields are only touched under the owning Lock's scheduler
// mutex, while a record is the accepting or queued position of the
// queue. The completion counter and latch are independently
// synchronized: pending is decremented by releasing goroutines without
// the scheduler mutex, and the latch has its own synchronization
// inside [notify.Var].
type record struct {
	typ         recordType
	numRequests uint32
	// saturating marks a read-only record that conceptually covers
	// every resource, so admitted reads skip the bloom sets.
	saturating bool
	intention  bloomset.LockIntention

	pending atomic.Int32
	state   notify.Var[phase]
}

// mergeLockRequest attempts to admit the intention into this batch.
// The intention is not mutated.
func (r *record) mergeLockRequest(in *bloomset.LockIntention) bool {
	switch r.typ {
	case recordNone:
		// Adoption replaces any prior state wholesale.
		r.intention = *in
		r.numRequests = 1
		if in.MinWrites() == 0 {
			r.typ = recordReadOnly
		} else {
			r.typ = recordReadWrite
		}
		return true
	case recordReadOnly:
		// An exact write count of 0 is proof of a pure read, and
		// reads always compose.
		if in.MinWrites() != 0 {
			return false
		}
		if !r.saturating {
			// Cannot conflict: both write sets are empty.
			r.intention.Merge(in)
		}
		r.numRequests++
		return true
	case recordExclusive, recordGlobal:
		return false
	}

	if in.MinWrites() > mergeSaturation {
		return false
	}
	if !r.intention.Merge(in) {
		return false
	}
	r.numRequests++
	if r.numRequests >= mergeSaturation {
		r.typ = recordExclusive
	}
	return true
}

// globalReadRequest admits a read covering all resources. The record
// becomes (or stays) read-only and saturating.
func (r *record) globalReadRequest() bool {
	switch r.typ {
	case recordNone:
		r.intention.Reset()
		r.typ = recordReadOnly
		r.numRequests = 1
		r.saturating = true
		return true
	case recordReadOnly:
		r.numRequests++
		r.saturating = true
		return true
	default:
		return false
	}
}

// globalWriteRequest admits a write covering all resources. Only an
// empty record accepts; the batch is the single request.
func (r *record) globalWriteRequest() bool {
	if r.typ != recordNone {
		return false
	}
	r.intention.Reset()
	r.typ = recordGlobal
	r.numRequests = 1
	return true
}

// activate arms the completion counter and raises the latch. Called
// once per cycle, after the record has left the queue.
func (r *record) activate() {
	r.pending.Store(int32(r.numRequests))
	r.state.Set(phaseActive)
}

// waitActivation blocks until the latch is raised. It returns false if
// the record was closed instead.
func (r *record) waitActivation() bool {
	for {
		p, changed := r.state.Get()
		if p != phaseIdle {
			return p == phaseActive
		}
		<-changed
	}
}

// release records the completion of one merged request. It returns
// true exactly once per activation, to the caller that drained the
// batch; that caller is responsible for the handoff.
func (r *record) release() bool {
	n := r.pending.Dec()
	if n < 0 {
		panic("bloomlock: release of a batch with no outstanding requests")
	}
	return n == 0
}

// clear resets the record for reuse. Called only by the goroutine that
// drained it, before the record is returned to circulation.
func (r *record) clear() {
	r.typ = recordNone
	r.numRequests = 0
	r.saturating = false
	r.intention.Reset()
	r.state.Set(phaseIdle)
}

// close marks the record terminal, unblocking any waiters.
func (r *record) close() {
	r.state.Set(phaseClosed)
}
