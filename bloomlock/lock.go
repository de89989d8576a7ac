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
	"github.com/cockroachdb/field-eng-locktools/bloomset"
	"github.com/cockroachdb/field-eng-locktools/spinlock"
	"go.uber.org/atomic"
)

// initialPoolSize seeds the record pool. Together with the queue
// sentinel, a fresh Lock has eight records in circulation; more are
// allocated only if that many batches are ever pending at once.
const initialPoolSize = 7

// A Lock is a reader/writer lock over sets of resource keys. See the
// package documentation for the batching model.
//
// A Lock is internally synchronized and must not be copied after
// creation. Acquisitions are not reentrant: a goroutine that acquires
// a Lock it already holds will deadlock (see [Events.OnReentrant]).
type Lock struct {
	events *Events

	// active is the record whose batch currently holds the lock, or
	// nil. All transitions happen under mu; Unlock additionally
	// reads it without mu, which is why it is atomic.
	active atomic.Pointer[record]

	mu spinlock.Mutex
	// queue is never empty while the lock is open. queue[0] is the
	// next batch to activate and, in steady state, the record that
	// accepts new requests; records that cannot merge open new
	// batches at the back.
	queue   []*record
	pool    []*record
	closing bool
}

// New returns an unlocked Lock.
func New() *Lock {
	l := &Lock{}
	l.pool = make([]*record, 0, initialPoolSize+1)
	for i := 0; i < initialPoolSize; i++ {
		l.pool = append(l.pool, &record{})
	}
	l.queue = append(make([]*record, 0, initialPoolSize+1), &record{})
	return l
}

// SetEvents allows monitoring callbacks to be injected into the Lock.
// This method should be called prior to any acquisition.
func (l *Lock) SetEvents(events *Events) {
	l.events = events
}

// ReadLock blocks until the caller holds shared access to key.
func (l *Lock) ReadLock(key Key) {
	l.lockIntention(bloomset.ReadIntention(key))
}

// WriteLock blocks until the caller holds exclusive access to key.
func (l *Lock) WriteLock(key Key) {
	l.lockIntention(bloomset.WriteIntention(key))
}

// MultiLock blocks until the caller holds shared access to every key
// in reads and exclusive access to every key in writes, as a single
// acquisition released by one [Lock.Unlock]. Key 0 must not be passed.
func (l *Lock) MultiLock(reads, writes []Key) {
	l.lockIntention(bloomset.NewLockIntention(reads, writes))
}

// MultiLockIntention is [Lock.MultiLock] for a pre-built intention.
// Callers that acquire the same key sets repeatedly can construct the
// intention once and reuse it; it is not mutated.
func (l *Lock) MultiLockIntention(in *bloomset.LockIntention) {
	l.lockIntention(in)
}

// GlobalReadLock blocks until the caller holds shared access to all
// resources.
func (l *Lock) GlobalReadLock() {
	l.track()
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		l.untrack()
		return
	}
	if front := l.queue[0]; front.globalReadRequest() {
		l.waitFront(front)
		return
	}
	// A batch already committed at the back may still be read-only;
	// merging there lets read storms coalesce across queued batches.
	if len(l.queue) > 1 {
		if back := l.queue[len(l.queue)-1]; back.globalReadRequest() {
			l.mu.Unlock()
			back.waitActivation()
			return
		}
	}
	r := l.allocRecordLocked()
	if !r.globalReadRequest() {
		panic("bloomlock: fresh record rejected a request")
	}
	l.enqueueWait(r)
}

// GlobalWriteLock blocks until the caller holds exclusive access to
// all resources.
func (l *Lock) GlobalWriteLock() {
	l.track()
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		l.untrack()
		return
	}
	if front := l.queue[0]; front.globalWriteRequest() {
		l.waitFront(front)
		return
	}
	r := l.allocRecordLocked()
	if !r.globalWriteRequest() {
		panic("bloomlock: fresh record rejected a request")
	}
	l.enqueueWait(r)
}

// Unlock releases the caller's single outstanding acquisition. The
// goroutine whose release drains the active batch hands off to the
// next batch and recycles the drained record.
func (l *Lock) Unlock() {
	l.untrack()
	r := l.active.Load()
	if r == nil {
		panic("bloomlock: Unlock of a Lock with no active batch")
	}
	if !r.release() {
		return
	}

	// This goroutine drained the batch. Reset the record before any
	// other goroutine can reach it through the pool.
	r.clear()

	var activated *record
	var requests int
	l.mu.Lock()
	l.active.Store(nil)
	if !l.closing {
		if front := l.queue[0]; front.typ != recordNone {
			l.popFrontLocked()
			l.active.Store(front)
			front.activate()
			activated, requests = front, int(front.numRequests)
		}
		if len(l.queue) == 0 {
			l.queue = append(l.queue, r)
		} else {
			l.pool = append(l.pool, r)
		}
	}
	l.mu.Unlock()

	if activated != nil {
		l.events.doActivate(requests)
	}
}

// Close unblocks every waiter and marks the lock unusable. Unblocked
// waiters return without holding the lock. Behavior of any use of the
// Lock after Close is unspecified, beyond that acquisitions return
// immediately without holding the lock. Close is idempotent.
func (l *Lock) Close() {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	l.closing = true
	for _, r := range l.queue {
		r.close()
	}
	for _, r := range l.pool {
		r.close()
	}
	act := l.active.Load()
	l.mu.Unlock()
	if act != nil {
		act.close()
	}
}

// lockIntention is the common acquire path.
func (l *Lock) lockIntention(in *bloomset.LockIntention) {
	l.track()
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		l.untrack()
		return
	}
	if front := l.queue[0]; front.mergeLockRequest(in) {
		l.waitFront(front)
		return
	}
	r := l.allocRecordLocked()
	if !r.mergeLockRequest(in) {
		panic("bloomlock: fresh record rejected a request")
	}
	l.enqueueWait(r)
}

// waitFront completes an acquisition whose request merged into the
// front of the queue. If no batch is active the front record is
// promoted on the spot; otherwise the drain of the active batch will
// promote it. Callers hold mu, which is released before any wait.
func (l *Lock) waitFront(r *record) {
	if l.active.Load() == nil {
		// Nothing is running; the batch activates immediately. The
		// queue must never go empty, so replenish the accepting
		// record.
		l.popFrontLocked()
		if len(l.queue) == 0 {
			l.queue = append(l.queue, l.allocRecordLocked())
		}
		l.active.Store(r)
		requests := int(r.numRequests)
		r.activate()
		l.mu.Unlock()
		l.events.doActivate(requests)
		return
	}
	l.mu.Unlock()
	r.waitActivation()
}

// enqueueWait appends a freshly populated record as a new batch and
// waits for its activation. Callers hold mu, which is released before
// the wait.
func (l *Lock) enqueueWait(r *record) {
	l.queue = append(l.queue, r)
	l.mu.Unlock()
	l.events.doEnqueue()
	r.waitActivation()
}

// allocRecordLocked takes a record from the pool, or allocates one if
// the pool is dry. Callers hold mu.
func (l *Lock) allocRecordLocked() *record {
	if n := len(l.pool); n > 0 {
		r := l.pool[n-1]
		l.pool[n-1] = nil
		l.pool = l.pool[:n-1]
		return r
	}
	return &record{}
}

// popFrontLocked removes queue[0]. Callers hold mu.
func (l *Lock) popFrontLocked() {
	copy(l.queue, l.queue[1:])
	l.queue[len(l.queue)-1] = nil
	l.queue = l.queue[:len(l.queue)-1]
}

func (l *Lock) track() {
	if !l.events.tracking() {
		return
	}
	if depth := heldLocks.track(goroutineID(), l); depth > 0 {
		l.events.doReentrant(depth)
	}
}

func (l *Lock) untrack() {
	if !l.events.tracking() {
		return
	}
	heldLocks.untrack(goroutineID(), l)
}
