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

// Package spinlock provides a test-and-test-and-set mutex for
// critical sections short enough that parking a goroutine would cost
// more than spinning.
package spinlock

import (
	"runtime"
	"sync"

	"go.uber.org/atomic"
)

const (
	unlocked uint32 = 0
	locked   uint32 = 1

	// baseSpins and maxSpins bound the exponential backoff between
	// lock probes.
	baseSpins = 4
	maxSpins  = 512
)

// A Mutex is a spinning mutual-exclusion lock. The zero value is an
// unlocked Mutex. A Mutex should not be copied after first use.
//
// The CAS on acquisition and the atomic store on release provide the
// usual acquire/release ordering: writes made while holding the lock
// are visible to the next holder.
type Mutex struct {
	_    noCopy
	word atomic.Uint32
}

var _ sync.Locker = (*Mutex)(nil)

// Lock acquires the mutex, spinning until it is available.
func (m *Mutex) Lock() {
	if m.word.CompareAndSwap(unlocked, locked) {
		return
	}
	var b expBackoff
	for {
		b.pause(&m.word)
		if m.word.Load() == unlocked && m.word.CompareAndSwap(unlocked, locked) {
			return
		}
	}
}

// TryLock acquires the mutex if it is free, without spinning.
func (m *Mutex) TryLock() bool {
	return m.word.CompareAndSwap(unlocked, locked)
}

// Unlock releases the mutex. It panics if the mutex is not locked.
func (m *Mutex) Unlock() {
	if m.word.Swap(unlocked) != locked {
		panic("spinlock: unlock of unlocked Mutex")
	}
}

// expBackoff doubles the time spent between lock probes, up to a
// cap. Past the cap the holder is presumably descheduled, so the
// waiter yields its processor instead of burning it.
type expBackoff struct {
	currentSpins int
}

func (e *expBackoff) pause(word *atomic.Uint32) {
	if e.currentSpins == 0 {
		e.currentSpins = baseSpins
	} else if e.currentSpins < maxSpins {
		e.currentSpins <<= 1
	}
	if e.currentSpins >= maxSpins {
		runtime.Gosched()
		return
	}
	for i := 0; i < e.currentSpins && word.Load() != unlocked; i++ {
	}
}

// noCopy triggers `go vet -copylocks`.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
