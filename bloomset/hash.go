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

package bloomset

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// positions derives NumHashes bit positions for the key from a single
// xxh3 mix. The 64-bit hash is split into four 16-bit slots, each
// reduced modulo the bitmap width; 256 divides 65536 evenly, so the
// reduction introduces no bias.
func positions(k Key) [NumHashes]uint32 {
	h := mix(k)
	var pos [NumHashes]uint32
	for i := range pos {
		pos[i] = uint32(h>>(16*i)&0xffff) % SetBits
	}
	return pos
}

// mix hashes the key's little-endian bytes.
func mix(k Key) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(k))
	return xxh3.Hash(buf[:])
}
