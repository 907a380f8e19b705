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
	"fmt"
	"io"

	"buf.build/go/xmalloc/internal/xunsafe"
)

// Dump writes a textual picture of every arena and block to w, flagging
// any locally violated structure invariant. Read-only; the caller holds
// the heap lock.
func (h *Heap) Dump(w io.Writer) {
	total := uintptr(0)
	for aa := h.arenas; !aa.IsNil(); {
		a := aa.AssertValid()
		aa = a.next
		total += h.dumpArena(w, a)
	}
	fmt.Fprintf(w, "free: %d bytes (counter %d)\n", total, h.freeBytes)
	if total != h.freeBytes {
		fmt.Fprintf(w, "WARNING: free counter out of sync\n")
	}
}

func (h *Heap) dumpArena(w io.Writer, a *Arena) (free uintptr) {
	fmt.Fprintf(w, "arena %v size %d\n", xunsafe.AddrOf(a), a.mappingSize())

	// Free-list membership, checked against the address walk below.
	onFree := make(map[xunsafe.Addr[Block]]bool)
	for fa := a.freeHead; !fa.IsNil(); {
		b := fa.AssertValid()
		if onFree[fa] {
			fmt.Fprintf(w, "  WARNING: free-list cycle at %v\n", fa)
			break
		}
		onFree[fa] = true
		fl := b.links()
		if !fl.prev.IsNil() && fl.prev.AssertValid().links().next != fa {
			fmt.Fprintf(w, "  WARNING: free-list corrupted at %v\n", fa)
		}
		fa = fl.next
	}

	used := 0
	var prev *Block
	for b := &a.first; b != nil; b = b.nextBlock() {
		addr := xunsafe.AddrOf(b)
		used += headerSize + b.len()

		if b.free() {
			fmt.Fprintf(w, "  block %v size %+d free\n", addr, b.size)
			if !onFree[addr] {
				fmt.Fprintf(w, "  WARNING: free block %v not on free-list\n", addr)
			}
		} else {
			fmt.Fprintf(w, "  block %v size %+d data %v\n", addr, b.size, b.payload())
			if onFree[addr] {
				fmt.Fprintf(w, "  WARNING: allocated block %v on free-list\n", addr)
			}
		}

		if !b.prev.IsNil() && b.prev.AssertValid().next != addr {
			fmt.Fprintf(w, "  WARNING: block list corrupted at %v\n", addr)
		}
		if xunsafe.Addr[byte](addr) >= a.start().ByteAdd(a.mappingSize()) || b.end() > a.start().ByteAdd(a.mappingSize()) {
			fmt.Fprintf(w, "  WARNING: block %v outside arena (end %v)\n", addr, b.end())
		}
		if prev != nil {
			if prev.end() != xunsafe.Addr[byte](addr) {
				fmt.Fprintf(w, "  WARNING: block %v does not abut %v (end %v)\n",
					addr, xunsafe.AddrOf(prev), prev.end())
			}
			if prev.free() && b.free() {
				fmt.Fprintf(w, "  WARNING: adjacent free blocks %v, %v\n", xunsafe.AddrOf(prev), addr)
			}
		}

		if b.free() {
			free += uintptr(b.size)
		}
		prev = b
	}

	fmt.Fprintf(w, "  used %d of %d\n", used, a.bytes)
	if used != int(a.bytes) {
		fmt.Fprintf(w, "  WARNING: blocks do not cover arena\n")
	}
	return free
}
