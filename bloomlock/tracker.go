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
	"encoding/binary"

	"github.com/cockroachdb/field-eng-locktools/spinlock"
	"github.com/spaolacci/murmur3"
)

// trackerSlots is the number of independently locked shards in the
// held-lock table.
const trackerSlots = 256

// A tracker records, per goroutine, how many times each lock is
// currently held. It exists solely to diagnose reentrant acquisition;
// it never influences scheduling.
//
// The table is slotted by a hash of the goroutine ID so that unrelated
// goroutines rarely contend on the same slot.
type tracker struct {
	slots [trackerSlots]trackerSlot
}

type trackerSlot struct {
	mu   spinlock.Mutex
	held map[int64]map[*Lock]int
}

// heldLocks is shared by all Lock instances, standing in for the
// per-thread storage a thread-local would provide.
var heldLocks tracker

func (t *tracker) slot(goid int64) *trackerSlot {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(goid))
	return &t.slots[murmur3.Sum32(buf[:])%trackerSlots]
}

// track records an acquisition of l and returns the number of
// acquisitions of l already outstanding on this goroutine. Any non-zero
// return is a reentrancy bug in the caller.
func (t *tracker) track(goid int64, l *Lock) int {
	s := t.slot(goid)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil {
		s.held = make(map[int64]map[*Lock]int)
	}
	m := s.held[goid]
	if m == nil {
		m = make(map[*Lock]int)
		s.held[goid] = m
	}
	depth := m[l]
	m[l] = depth + 1
	return depth
}

// untrack records a release of l. Unmatched releases are ignored here;
// [Lock.Unlock] panics only when no batch is active.
func (t *tracker) untrack(goid int64, l *Lock) {
	s := t.slot(goid)
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.held[goid]
	if m == nil {
		return
	}
	if depth := m[l]; depth > 1 {
		m[l] = depth - 1
		return
	}
	delete(m, l)
	if len(m) == 0 {
		delete(s.held, goid)
	}
}
