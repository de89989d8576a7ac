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

/*
Package bloomlock provides a reader/writer lock over sets of resource
keys, with bloom-filter admission so that compatible acquisitions from
different goroutines run as a single batch.

A caller declares the resources it intends to read and write, either
one key at a time or as a [bloomset.LockIntention] covering many keys:

	l := bloomlock.New()

	// Shared access to one resource.
	l.ReadLock(accountA)
	l.Unlock()

	// Exclusive access to two resources, shared access to a third,
	// in a single acquisition.
	l.MultiLock([]bloomlock.Key{accountC}, []bloomlock.Key{accountA, accountB})
	defer l.Unlock()

Acquisitions whose approximate read/write sets do not conflict are
merged into one batch and hold the lock simultaneously; each batch runs
to completion before the next batch begins. The conflict test is a
bloom-filter intersection, so two acquisitions over truly conflicting
keys are never merged, while acquisitions over unrelated keys are
occasionally serialized by a false positive.

The lock does not know what a resource is. Keys are opaque integers
supplied by the caller; key 0 is reserved and must not be used.
*/
package bloomlock

import "github.com/cockroachdb/field-eng-locktools/bloomset"

// Key identifies a resource.
type Key = bloomset.Key
