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
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestSingleThreadCycles(t *testing.T) {
	l := New()

	// None of these may block: each acquisition activates
	// immediately when nothing is running.
	l.WriteLock(7)
	l.Unlock()
	l.ReadLock(7)
	l.Unlock()
	l.MultiLock([]Key{1, 2}, []Key{3})
	l.Unlock()
	l.GlobalReadLock()
	l.Unlock()
	l.GlobalWriteLock()
	l.Unlock()
}

// Two writes of disjoint keys arriving in the same accepting window
// hold the lock simultaneously.
func TestDisjointWritesMerge(t *testing.T) {
	r := require.New(t)

	l := New()
	keys := disjointKeys(3)

	// Hold a batch active so the next requests accumulate in the
	// accepting record.
	l.WriteLock(keys[0])

	var entered sync.WaitGroup
	entered.Add(2)
	proceed := make(chan struct{})
	var eg errgroup.Group
	for _, k := range keys[1:] {
		k := k
		eg.Go(func() error {
			l.WriteLock(k)
			entered.Done()
			// Neither exits the critical section until both are
			// inside it.
			<-proceed
			l.Unlock()
			return nil
		})
	}

	waitFor(t, "both writes to merge", func() bool { return l.frontRequests() == 2 })
	l.Unlock()

	entered.Wait()
	close(proceed)
	r.NoError(eg.Wait())
}

// Writes of the same key are never active together.
func TestConflictingWritesSerialize(t *testing.T) {
	const workers = 4
	const cycles = 250
	r := require.New(t)

	l := New()
	var inside atomic.Int32

	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for i := 0; i < cycles; i++ {
				l.WriteLock(1)
				if inside.Add(1) != 1 {
					return errors.New("two conflicting writers active")
				}
				runtime.Gosched()
				inside.Add(-1)
				l.Unlock()
			}
			return nil
		})
	}
	r.NoError(eg.Wait())
}

// A global read does not proceed while any writer holds the lock.
func TestGlobalReadBlockedByWriter(t *testing.T) {
	l := New()
	l.WriteLock(1)

	acquired := make(chan struct{})
	go func() {
		l.GlobalReadLock()
		close(acquired)
		l.Unlock()
	}()

	// The request has merged into the accepting record...
	waitFor(t, "global read to queue", func() bool { return l.frontRequests() == 1 })
	// ...but must not activate while the writer runs.
	select {
	case <-acquired:
		t.Fatal("global read acquired while writer held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	l.Unlock()
	select {
	case <-acquired:
	case <-time.After(10 * time.Second):
		t.Fatal("global read never acquired")
	}
}

// A global write excludes every other request, including reads.
func TestGlobalWriteExcludesAll(t *testing.T) {
	l := New()
	l.GlobalWriteLock()

	acquired := make(chan struct{})
	go func() {
		l.ReadLock(7)
		close(acquired)
		l.Unlock()
	}()

	waitFor(t, "read to queue", func() bool { return l.frontRequests() == 1 })
	select {
	case <-acquired:
		t.Fatal("read acquired under a global write")
	case <-time.After(50 * time.Millisecond):
	}

	l.Unlock()
	select {
	case <-acquired:
	case <-time.After(10 * time.Second):
		t.Fatal("read never acquired")
	}
}

// The ninth disjoint write does not join a saturated batch.
func TestSaturationOpensNewBatch(t *testing.T) {
	r := require.New(t)

	l := New()
	keys := disjointKeys(mergeSaturation + 2)

	var mu sync.Mutex
	var activations []int
	l.SetEvents(&Events{OnActivate: func(requests int) {
		mu.Lock()
		defer mu.Unlock()
		activations = append(activations, requests)
	}})

	// Occupy the lock so the writes accumulate.
	l.WriteLock(keys[mergeSaturation+1])

	var eg errgroup.Group
	for i := 0; i < mergeSaturation+1; i++ {
		i := i
		// Serialize arrivals so the batch fills deterministically.
		if i < mergeSaturation {
			waitFor(t, "merge", func() bool { return l.frontRequests() == i })
		} else {
			waitFor(t, "saturated batch", func() bool { return l.frontRequests() == mergeSaturation })
		}
		eg.Go(func() error {
			l.WriteLock(keys[i])
			l.Unlock()
			return nil
		})
		if i == mergeSaturation {
			// The straggler opened a second batch.
			waitFor(t, "new batch", func() bool { return l.queueLen() == 2 })
		}
	}

	r.Equal(mergeSaturation, l.frontRequests())
	l.Unlock()
	r.NoError(eg.Wait())

	mu.Lock()
	defer mu.Unlock()
	r.Equal([]int{1, mergeSaturation, 1}, activations)
}

// Global reads coalesce into a read-only batch at the back of the
// queue, behind an unrelated write batch.
func TestGlobalReadTailMerge(t *testing.T) {
	r := require.New(t)

	l := New()
	keys := disjointKeys(2)
	l.WriteLock(keys[0])

	var eg errgroup.Group
	eg.Go(func() error {
		l.WriteLock(keys[0]) // queues behind the holder as the front batch
		l.Unlock()
		return nil
	})
	waitFor(t, "write batch", func() bool { return l.frontRequests() == 1 })

	for i := 0; i < 2; i++ {
		i := i
		eg.Go(func() error {
			l.GlobalReadLock()
			l.Unlock()
			return nil
		})
		if i == 0 {
			waitFor(t, "read batch", func() bool { return l.queueLen() == 2 })
		} else {
			// The second global read merges into the read batch at
			// the back instead of opening a third.
			waitFor(t, "tail merge", func() bool { return l.backRequests() == 2 })
		}
	}
	r.Equal(2, l.queueLen())

	l.Unlock()
	r.NoError(eg.Wait())
}

// MultiLock with a degenerate key set composes exactly like the
// dedicated single-key acquisitions.
func TestMultiLockEquivalences(t *testing.T) {
	r := require.New(t)

	l := New()
	l.WriteLock(99) // occupy

	// All three read forms land in one read-only batch.
	var eg errgroup.Group
	readers := []func(){
		func() { l.ReadLock(5) },
		func() { l.MultiLock([]Key{5}, nil) },
		func() { l.GlobalReadLock() },
	}
	for i, acquire := range readers {
		i, acquire := i, acquire
		eg.Go(func() error {
			acquire()
			l.Unlock()
			return nil
		})
		waitFor(t, "reader merge", func() bool { return l.frontRequests() == i+1 })
	}

	// A write-form MultiLock does not join the pending read-only
	// batch and opens a new one, exactly as WriteLock does.
	eg.Go(func() error {
		l.MultiLock(nil, []Key{5})
		l.Unlock()
		return nil
	})
	waitFor(t, "writer batch", func() bool { return l.queueLen() == 2 })

	l.Unlock()
	r.NoError(eg.Wait())
}

// After quiescence the record population is back where it started:
// seven pooled records plus the accepting sentinel, and nothing
// active.
func TestPoolRecycling(t *testing.T) {
	r := require.New(t)

	l := New()
	for i := 0; i < 100; i++ {
		l.WriteLock(7)
		l.Unlock()
		l.GlobalReadLock()
		l.Unlock()
	}

	pool, queue, active := l.population()
	r.Equal(initialPoolSize, pool)
	r.Equal(1, queue)
	r.False(active)
}

func TestReentrantAcquireDiagnosed(t *testing.T) {
	r := require.New(t)

	l := New()
	var depth atomic.Int32
	got := make(chan struct{})
	l.SetEvents(&Events{OnReentrant: func(d int) {
		depth.Store(int32(d))
		close(got)
	}})

	l.WriteLock(1)
	go func() {
		// Rescue the deliberate deadlock below: once the reentrant
		// acquisition is reported, release the first one on the
		// offender's behalf.
		<-got
		l.Unlock()
	}()

	// Acquiring a second time on the same goroutine is a bug; it is
	// reported, then blocks until the rescue above.
	l.WriteLock(2)
	r.Equal(int32(1), depth.Load())
	l.Unlock()
}

func TestCloseUnblocksWaiters(t *testing.T) {
	l := New()
	l.WriteLock(1)

	const waiters = 3
	returned := make(chan struct{}, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			l.WriteLock(1) // conflicts; parks in a pending batch
			returned <- struct{}{}
		}()
	}
	waitFor(t, "waiters to queue", func() bool { return l.queueLen() >= 2 })

	l.Close()
	for i := 0; i < waiters; i++ {
		select {
		case <-returned:
		case <-time.After(10 * time.Second):
			t.Fatal("waiter still blocked after Close")
		}
	}

	// Close is idempotent, and later acquisitions return immediately
	// without holding the lock.
	l.Close()
	l.ReadLock(1)
	l.GlobalWriteLock()
}

func TestUnlockWithoutLock(t *testing.T) {
	r := require.New(t)

	l := New()
	r.Panics(func() { l.Unlock() })
}

// Use mixed random traffic to look for collisions on the guarded
// resources and for lost updates.
func TestSmoke(t *testing.T) {
	const workers = 8
	const cycles = 400
	const numKeys = 16
	r := require.New(t)

	l := New()
	keys := make([]Key, numKeys)
	for i := range keys {
		keys[i] = Key(i + 1)
	}
	counters := make([]int64, numKeys) // guarded by l

	expected := make([]int64, workers)
	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		eg.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w)))
			var wrote int64
			for i := 0; i < cycles; i++ {
				k := rng.Intn(numKeys)
				switch rng.Intn(4) {
				case 0:
					l.ReadLock(keys[k])
					_ = counters[k]
					l.Unlock()
				case 1:
					l.WriteLock(keys[k])
					counters[k]++
					wrote++
					l.Unlock()
				case 2:
					k2 := (k + 1) % numKeys
					l.MultiLock(nil, []Key{keys[k], keys[k2]})
					counters[k]++
					counters[k2]++
					wrote += 2
					l.Unlock()
				case 3:
					l.GlobalReadLock()
					var total int64
					for _, c := range counters {
						total += c
					}
					_ = total
					l.Unlock()
				}
				if i%64 == 0 {
					// Scheduling jitter.
					runtime.Gosched()
				}
			}
			expected[w] = wrote
			return nil
		})
	}
	r.NoError(eg.Wait())

	var want, got int64
	for _, e := range expected {
		want += e
	}
	for _, c := range counters {
		got += c
	}
	r.Equal(want, got)

	// The record population is conserved: with eight workers the
	// pool never runs dry, so no extra records were allocated.
	pool, queue, active := l.population()
	r.Equal(initialPoolSize+1, pool+queue)
	r.False(active)
}

// waitFor polls until cond holds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// White-box peeks at scheduler state, taken under the scheduler lock.

func (l *Lock) frontRequests() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.queue[0].numRequests)
}

func (l *Lock) backRequests() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.queue[len(l.queue)-1].numRequests)
}

func (l *Lock) queueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Lock) population() (pool, queue int, active bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pool), len(l.queue), l.active.Load() != nil
}
