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

	"buf.build/go/xmalloc/internal/mem"
	"buf.build/go/xmalloc/internal/xunsafe"
)

// Arena is one contiguous OS mapping. Its header sits at the start of the
// mapping and is followed by a dense sequence of blocks covering exactly
// the remainder; first is the block that starts that sequence and is
// never unlinked.
type Arena struct {
	prev, next xunsafe.Addr[Arena] // registry
	freeHead   xunsafe.Addr[Block]

	// bytes is the mapping size minus the arena header size.
	bytes uintptr

	first Block
}

const (
	arenaHeaderSize = int(unsafe.Offsetof(Arena{}.first))

	// arenaOverhead is the part of a mapping that can never be payload:
	// the arena header plus the first block's header.
	arenaOverhead = arenaHeaderSize + headerSize
)

// newArena maps size bytes and formats them as an arena holding a single
// free block that spans the whole remainder of the mapping.
func newArena(size int) (*Arena, error) {
	p, err := mem.Map(size)
	if err != nil {
		return nil, err
	}

	a := xunsafe.Cast[Arena](p.AssertValid())
	a.bytes = uintptr(size - arenaHeaderSize)
	a.first.size = size - arenaOverhead
	a.freeHead = xunsafe.AddrOf(&a.first)
	*a.first.links() = freeLinks{}
	return a, nil
}

// destroy returns the arena's mapping to the OS. The arena must already
// be unlinked from the registry.
func (a *Arena) destroy() {
	_ = mem.Unmap(xunsafe.Addr[byte](xunsafe.AddrOf(a)), a.mappingSize())
}

func (a *Arena) mappingSize() int {
	return int(a.bytes) + arenaHeaderSize
}

func (a *Arena) start() xunsafe.Addr[byte] {
	return xunsafe.Addr[byte](xunsafe.AddrOf(a))
}

// contains reports whether p lies strictly inside the arena's mapping.
func (a *Arena) contains(p xunsafe.Addr[byte]) bool {
	return a.start() < p && p < a.start().ByteAdd(a.mappingSize())
}

// pushFree inserts b at the head of the arena's free-list.
func (a *Arena) pushFree(b *Block) {
	fl := b.links()
	fl.prev = 0
	fl.next = a.freeHead
	if !a.freeHead.IsNil() {
		a.freeHead.AssertValid().links().prev = xunsafe.AddrOf(b)
	}
	a.freeHead = xunsafe.AddrOf(b)
}

// insertFreeAfter inserts b into the free-list right after p.
func (a *Arena) insertFreeAfter(p, b *Block) {
	pl, bl := p.links(), b.links()
	bl.prev = xunsafe.AddrOf(p)
	bl.next = pl.next
	if !pl.next.IsNil() {
		pl.next.AssertValid().links().prev = xunsafe.AddrOf(b)
	}
	pl.next = xunsafe.AddrOf(b)
}

// removeFree unlinks b from the free-list. The overlay bytes are left in
// place; the caller decides whether they become payload.
func (a *Arena) removeFree(b *Block) {
	fl := b.links()
	if fl.prev.IsNil() {
		a.freeHead = fl.next
	} else {
		fl.prev.AssertValid().links().next = fl.next
	}
	if !fl.next.IsNil() {
		fl.next.AssertValid().links().prev = fl.prev
	}
}
