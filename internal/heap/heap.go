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

// Package heap implements the core of the allocator: arenas mapped from
// the OS, the blocks carved out of them, and the bookkeeping that binds
// them.
//
// Nothing in this package locks. The caller serializes every operation,
// including the page-mapping calls, so that a partially constructed arena
// is never observable.
package heap

import (
	"buf.build/go/xmalloc/internal/debug"
	"buf.build/go/xmalloc/internal/mem"
	"buf.build/go/xmalloc/internal/xunsafe"
)

// DefaultArenaSize returns the mapping size of an arena created without a
// size of its own, four pages.
func DefaultArenaSize() int {
	return 4 * mem.PageSize()
}

// largeRequest is the size plus alignment at or beyond which a request
// bypasses the fit search and gets a fresh arena of its own.
func largeRequest() int {
	return 2 * mem.PageSize()
}

// retainLimit is the amount of free memory below which an empty arena is
// kept resident instead of being returned to the OS.
func retainLimit() uintptr {
	return uintptr(8 * mem.PageSize())
}

// Heap is the allocator front: the registry of live arenas and the global
// free-byte counter.
//
// A zero Heap is empty and ready to use.
type Heap struct {
	arenas    xunsafe.Addr[Arena]
	freeBytes uintptr
}

// FreeBytes returns the total payload bytes currently free across all
// arenas.
func (h *Heap) FreeBytes() uintptr {
	return h.freeBytes
}

// ArenaCount returns the number of live arenas.
func (h *Heap) ArenaCount() int {
	n := 0
	for a := h.arenas; !a.IsNil(); a = a.AssertValid().next {
		n++
	}
	return n
}

// Allocate returns the address of a fresh payload of at least size bytes
// aligned to align, or 0 if the OS refuses the backing pages.
//
// align must be a power of two and a multiple of the pointer width; the
// caller validates it. Sizes below the minimum payload are rounded up.
func (h *Heap) Allocate(size, align uintptr) xunsafe.Addr[byte] {
	if size < minPayload {
		size = minPayload
	}
	s, al := int(size), int(align)

	if s+al >= largeRequest() {
		return h.allocateBig(s, al)
	}

	for aa := h.arenas; !aa.IsNil(); {
		a := aa.AssertValid()
		aa = a.next
		if p := h.fitInArena(a, s, al); !p.IsNil() {
			h.log("alloc", "%v:%d:%d", p, s, al)
			return p
		}
	}
	return h.allocateBig(s, al)
}

// allocateBig creates a fresh arena sized to the request and carves the
// request out of its single block. Also the fallback when no existing
// arena fits a small request.
func (h *Heap) allocateBig(size, align int) xunsafe.Addr[byte] {
	// Room for the request, its alignment slack, the arena overhead, and
	// one more header with a legal remainder, so the carve cannot fail.
	want := size + align + arenaOverhead + headerSize + minPayload

	var asize int
	if want <= DefaultArenaSize() {
		asize = DefaultArenaSize()
	} else {
		asize = (want/mem.PageSize() + 1) * mem.PageSize()
	}

	a, err := newArena(asize)
	if err != nil {
		h.log("oom", "%d:%d: %v", size, align, err)
		return 0
	}
	h.freeBytes += uintptr(a.first.size)
	h.log("arena", "%v:%d", xunsafe.AddrOf(a), asize)

	p := h.fitInArena(a, size, align)
	debug.Assert(!p.IsNil(), "fresh arena %v too small for %d:%d", xunsafe.AddrOf(a), size, align)

	// Link only after the carve, so a half-built arena is never visible.
	h.linkArena(a)
	h.log("alloc", "%v:%d:%d", p, size, align)
	return p
}

// Release frees the payload at p. Unknown addresses and blocks that are
// already free are ignored.
func (h *Heap) Release(p xunsafe.Addr[byte]) {
	a := h.findArena(p)
	if a == nil {
		return
	}
	b := blockAt(p.ByteAdd(-headerSize))
	if b.free() {
		return // double free
	}

	b = h.release(a, b)

	// An arena reduced to a single free block is returned to the OS once
	// the heap's free memory, counting that block, reaches the retain
	// limit.
	if b.prev.IsNil() && b.next.IsNil() && h.freeBytes >= retainLimit() {
		h.unlinkArena(a)
		h.freeBytes -= uintptr(b.size)
		h.log("retire", "%v:%d", xunsafe.AddrOf(a), a.mappingSize())
		a.destroy()
	}
}

// Resize grows or shrinks the payload at p to size bytes, in place when
// the block's own tail or a free successor allows it and by relocating
// otherwise. Returns the payload's address, 0 if p is unknown or the move
// ran out of memory.
func (h *Heap) Resize(p xunsafe.Addr[byte], size uintptr) xunsafe.Addr[byte] {
	a := h.findArena(p)
	if a == nil {
		return 0
	}
	b := blockAt(p.ByteAdd(-headerSize))
	if b.free() {
		return 0
	}

	if size < minPayload {
		size = minPayload
	}
	s := int(size)
	old := -b.size

	switch {
	case old > s:
		h.reduce(a, b, s)

	case old < s:
		next := b.nextBlock()
		if next == nil || !next.free() || s > old+next.size+headerSize {
			// No room behind the block: move.
			np := h.Allocate(size, 8)
			if np.IsNil() {
				return 0
			}
			xunsafe.Copy(np.AssertValid(), p.AssertValid(), old)
			h.Release(p)
			h.log("resize", "%v -> %v:%d", p, np, s)
			return np
		}

		// Absorb the free successor, then trim the surplus.
		grown := old + next.size + headerSize
		a.removeFree(next)
		next.unlink()
		h.freeBytes -= uintptr(next.size)
		b.size = -grown
		h.reduce(a, b, s)
	}

	h.log("resize", "%v:%d", p, s)
	return p
}

func (h *Heap) linkArena(a *Arena) {
	a.prev = 0
	a.next = h.arenas
	if !h.arenas.IsNil() {
		h.arenas.AssertValid().prev = xunsafe.AddrOf(a)
	}
	h.arenas = xunsafe.AddrOf(a)
}

func (h *Heap) unlinkArena(a *Arena) {
	if a.prev.IsNil() {
		h.arenas = a.next
	} else {
		a.prev.AssertValid().next = a.next
	}
	if !a.next.IsNil() {
		a.next.AssertValid().prev = a.prev
	}
}

// findArena locates the arena whose mapping contains p, linear in the
// number of live arenas.
func (h *Heap) findArena(p xunsafe.Addr[byte]) *Arena {
	for aa := h.arenas; !aa.IsNil(); {
		a := aa.AssertValid()
		aa = a.next
		if a.contains(p) {
			return a
		}
	}
	return nil
}

func (h *Heap) log(op, format string, args ...any) {
	debug.Log([]any{"%v free:%d", xunsafe.AddrOf(h), h.freeBytes}, op, format, args...)
}
