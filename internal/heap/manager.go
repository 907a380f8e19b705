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
	"buf.build/go/xmalloc/internal/debug"
	"buf.build/go/xmalloc/internal/xunsafe"
)

// The block manager: every mutation of block structure within one arena.
//
// freeBytes accounting convention: the counter is the sum of free block
// payloads. A block header materialized out of free payload (split,
// reduce) costs headerSize; a header reclaimed as payload (coalesce)
// refunds it.

// concat merges right into left. Both must be free and address-adjacent,
// left first.
func (h *Heap) concat(a *Arena, left, right *Block) {
	debug.Assert(left.free() && right.free(), "concat of non-free blocks %v, %v",
		xunsafe.AddrOf(left), xunsafe.AddrOf(right))

	right.unlink()
	a.removeFree(right)
	left.size += right.size + headerSize
	h.freeBytes += uintptr(headerSize)
}

// splitFree carves the tail of a free block into a new free block whose
// payload is aligned and holds at least size bytes, shrinking the
// original to end exactly at the new header. The new block is inserted
// after the original in both lists.
//
// The caller must have checked that the block has room for the carve and
// a legal remainder: size + alignment + headerSize + minPayload.
func (h *Heap) splitFree(a *Arena, b *Block, size, align int) *Block {
	tail := b.payload().ByteAdd(b.size - size - headerSize)
	off := tail.ByteAdd(headerSize).Misalign(align)
	tail = tail.ByteAdd(-off)

	nb := blockAt(tail)
	b.size = tail.ByteSub(b.payload())
	nb.size = size + off
	h.freeBytes -= uintptr(headerSize)

	b.insertAfter(nb)
	a.insertFreeAfter(b, nb)

	h.log("split", "%v -> %v+%d, %v+%d", xunsafe.AddrOf(b), xunsafe.AddrOf(b), b.size, tail, nb.size)
	return nb
}

// alignFree shifts a whole free block's header forward until its payload
// meets align, donating the shifted bytes to the predecessor's payload.
//
// Not legal on the arena's first block: there is no predecessor to absorb
// the shift. The predecessor is necessarily allocated, otherwise a
// coalesce would have merged it with b already.
func (h *Heap) alignFree(a *Arena, b *Block, align int) *Block {
	pad := b.payload().Padding(align)
	if pad == 0 {
		return b
	}

	prev := b.prevBlock()
	debug.Assert(prev != nil && !prev.free(), "align shift of %v with no allocated predecessor",
		xunsafe.AddrOf(b))

	size := b.size - pad
	prev.size -= pad // allocated, so the magnitude grows
	h.freeBytes -= uintptr(pad)

	prevAddr := b.prev
	prevFree := b.links().prev
	b.unlink()
	a.removeFree(b)

	nb := blockAt(xunsafe.Addr[byte](xunsafe.AddrOf(b)).ByteAdd(pad))
	nb.size = size
	prevAddr.AssertValid().insertAfter(nb)
	if !prevFree.IsNil() {
		a.insertFreeAfter(prevFree.AssertValid(), nb)
	} else {
		a.pushFree(nb)
	}

	h.log("shift", "%v -> %v+%d", xunsafe.AddrOf(b), xunsafe.AddrOf(nb), nb.size)
	return nb
}

// fillChunk consumes size aligned bytes from the tail of a free block via
// splitFree and returns the now-allocated carve.
func (h *Heap) fillChunk(a *Arena, b *Block, size, align int) *Block {
	nb := h.splitFree(a, b, size, align)
	a.removeFree(nb)
	h.freeBytes -= uintptr(nb.size)
	nb.size = -nb.size
	return nb
}

// fillWhole consumes an entire free block, align-shifting it first if its
// payload is not yet aligned.
func (h *Heap) fillWhole(a *Arena, b *Block, align int) *Block {
	b = h.alignFree(a, b, align)
	a.removeFree(b)
	h.freeBytes -= uintptr(b.size)
	b.size = -b.size
	return b
}

// fitInArena walks the arena's free-list and consumes the first block
// that can hold size bytes at the given alignment, splitting when a legal
// remainder would be left and taking the block whole otherwise. The
// arena's first block is never taken whole: it cannot be align-shifted.
//
// Returns the payload address, or 0 if nothing in this arena fits.
func (h *Heap) fitInArena(a *Arena, size, align int) xunsafe.Addr[byte] {
	for fa := a.freeHead; !fa.IsNil(); {
		b := fa.AssertValid()
		fa = b.links().next

		if b.size < size+align {
			continue
		}
		if b.size >= size+minPayload+headerSize+align {
			return h.fillChunk(a, b, size, align).payload()
		}
		if b != &a.first {
			return h.fillWhole(a, b, align).payload()
		}
	}
	return 0
}

// reduce shrinks an allocated block to payload size, materializing a free
// block in the vacated tail. Leftovers too small to carry a header and a
// legal payload are left in place.
func (h *Heap) reduce(a *Arena, b *Block, size int) {
	old := -b.size
	if old-size < headerSize+minPayload {
		return
	}

	nb := blockAt(b.payload().ByteAdd(size))
	nb.size = old - size - headerSize
	b.size = -size
	h.freeBytes += uintptr(old - size - headerSize)

	b.insertAfter(nb)
	if pf := nb.prevFree(); pf != nil {
		a.insertFreeAfter(pf, nb)
	} else {
		a.pushFree(nb)
	}

	// The vacated tail may touch an existing free block.
	if next := nb.nextBlock(); next != nil && next.free() {
		h.concat(a, nb, next)
	}

	h.log("reduce", "%v %d -> %d", xunsafe.AddrOf(b), old, size)
}

// release frees an allocated block: flips its sign, threads it back onto
// the free-list in address order, and coalesces it with free neighbours.
// Returns the surviving block.
func (h *Heap) release(a *Arena, b *Block) *Block {
	b.size = -b.size
	h.freeBytes += uintptr(b.size)

	if pf := b.prevFree(); pf != nil {
		a.insertFreeAfter(pf, b)
	} else {
		a.pushFree(b)
	}

	if next := b.nextBlock(); next != nil && next.free() {
		h.concat(a, b, next)
	}
	if prev := b.prevBlock(); prev != nil && prev.free() {
		h.concat(a, prev, b)
		b = prev
	}

	h.log("free", "%v+%d", xunsafe.AddrOf(b), b.size)
	return b
}
