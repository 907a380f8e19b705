// Copyright 2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package heap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"buf.build/go/xmalloc/internal/xunsafe"
)

// audit checks every structure invariant that must hold between public
// calls: arena coverage, adjacency, complete coalescing, free-list
// membership, and the free-byte counter.
func audit(t *testing.T, h *Heap) {
	t.Helper()

	free := uintptr(0)
	for aa := h.arenas; !aa.IsNil(); {
		a := aa.AssertValid()
		aa = a.next
		free += auditArena(t, a)
	}
	require.Equal(t, h.freeBytes, free, "free-byte counter out of sync")
}

func auditArena(t *testing.T, a *Arena) (free uintptr) {
	t.Helper()

	onFree := make(map[*Block]bool)
	for fa := a.freeHead; !fa.IsNil(); {
		b := fa.AssertValid()
		require.False(t, onFree[b], "free-list visits %v twice", fa)
		require.Positive(t, b.size, "allocated block %v on free-list", fa)
		onFree[b] = true

		fl := b.links()
		if !fl.prev.IsNil() {
			require.Equal(t, xunsafe.AddrOf(b), fl.prev.AssertValid().links().next,
				"free-list back link broken at %v", fa)
		} else {
			require.Equal(t, xunsafe.AddrOf(b), a.freeHead)
		}
		fa = fl.next
	}

	used := 0
	var prev *Block
	for b := &a.first; b != nil; b = b.nextBlock() {
		require.NotZero(t, b.size, "block %v has illegal zero size", xunsafe.AddrOf(b))
		used += headerSize + b.len()

		if prev != nil {
			require.Equal(t, prev.end(), xunsafe.Addr[byte](xunsafe.AddrOf(b)),
				"block %v does not abut its predecessor", xunsafe.AddrOf(b))
			require.Equal(t, xunsafe.AddrOf(prev), b.prev)
			require.False(t, prev.free() && b.free(),
				"adjacent free blocks %v, %v", xunsafe.AddrOf(prev), xunsafe.AddrOf(b))
		} else {
			require.True(t, b.prev.IsNil())
		}

		if b.free() {
			require.True(t, onFree[b], "free block %v missing from free-list", xunsafe.AddrOf(b))
			free += uintptr(b.size)
		} else {
			require.False(t, onFree[b])
		}
		delete(onFree, b)
		prev = b
	}
	require.Equal(t, a.start().ByteAdd(a.mappingSize()), prev.end(),
		"last block does not end at the arena's end")
	require.Equal(t, int(a.bytes), used, "blocks do not cover the arena")
	require.Empty(t, onFree, "free-list entries outside the address walk")
	return free
}
