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
	"unsafe"

	"buf.build/go/xmalloc/internal/xunsafe"
)

// Block is the header that precedes every payload carved out of an arena.
//
// Blocks are threaded on the arena's address-ordered list through prev and
// next; blocks are densely packed, so a block's payload ends exactly where
// the next block's header starts.
//
// size is the payload byte count with the block's state folded into the
// sign: positive means free, negative means allocated. Zero is not a legal
// size.
type Block struct {
	prev, next xunsafe.Addr[Block]
	size       int
}

const (
	// headerSize is the offset from a block header to its payload, the
	// footprint of the non-overlapping header fields.
	headerSize = int(unsafe.Sizeof(Block{}))

	// minPayload is the smallest payload ever carved. It keeps the
	// freeLinks overlay of a free block inside the payload bounds.
	minPayload = 16
)

// freeLinks is a free block's entry in the arena's free-list.
//
// It overlays the first payload bytes; the sign of Block.size selects
// whether these bytes are list links or user data. Nothing may read the
// overlay of an allocated block.
type freeLinks struct {
	prev, next xunsafe.Addr[Block]
}

func blockAt(p xunsafe.Addr[byte]) *Block {
	return xunsafe.Cast[Block](p.AssertValid())
}

func (b *Block) free() bool { return b.size > 0 }

// len returns the payload byte count regardless of state.
func (b *Block) len() int {
	if b.size < 0 {
		return -b.size
	}
	return b.size
}

func (b *Block) payload() xunsafe.Addr[byte] {
	return xunsafe.Addr[byte](xunsafe.AddrOf(b)).ByteAdd(headerSize)
}

// end returns the one-past-the-end address of the payload, which is also
// the address of the next block's header if one exists.
func (b *Block) end() xunsafe.Addr[byte] {
	return b.payload().ByteAdd(b.len())
}

// links returns the free-list overlay. Valid only while b is free.
func (b *Block) links() *freeLinks {
	return xunsafe.ByteAdd[freeLinks](b, headerSize)
}

func (b *Block) prevBlock() *Block {
	if b.prev.IsNil() {
		return nil
	}
	return b.prev.AssertValid()
}

func (b *Block) nextBlock() *Block {
	if b.next.IsNil() {
		return nil
	}
	return b.next.AssertValid()
}

// prevFree walks the address-ordered list backwards to the nearest free
// block, or nil if every predecessor is allocated.
func (b *Block) prevFree() *Block {
	for p := b.prevBlock(); p != nil; p = p.prevBlock() {
		if p.free() {
			return p
		}
	}
	return nil
}

// insertAfter links nb into the address-ordered list right after b.
func (b *Block) insertAfter(nb *Block) {
	nb.prev = xunsafe.AddrOf(b)
	nb.next = b.next
	if !b.next.IsNil() {
		b.next.AssertValid().prev = xunsafe.AddrOf(nb)
	}
	b.next = xunsafe.AddrOf(nb)
}

// unlink removes b from the address-ordered list.
func (b *Block) unlink() {
	if !b.prev.IsNil() {
		b.prev.AssertValid().next = b.next
	}
	if !b.next.IsNil() {
		b.next.AssertValid().prev = b.prev
	}
	b.prev, b.next = 0, 0
}
