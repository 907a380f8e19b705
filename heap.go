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

// Package xmalloc is a general-purpose dynamic memory allocator over
// anonymous OS mappings.
//
// Memory is organized into arenas, each a single contiguous mapping
// partitioned into a dense, address-ordered sequence of variable-size
// blocks. Allocation first-fits into the live arenas and falls back to
// mapping a fresh one; oversized requests get an arena of their own.
// Freed blocks coalesce eagerly with their neighbours, and an arena whose
// last block is freed is returned to the OS whole once the heap's free
// memory, that arena's included, reaches eight pages.
//
// The package-level functions operate on one process-wide heap and mirror
// the C allocation surface: [Malloc], [Calloc], [Realloc], [Free] and
// [Memalign] (posix_memalign). Independent heaps can be created with
// [New]. All entry points are safe for concurrent use; a single reentrant
// lock per heap serializes them.
package xmalloc

import (
	"io"
	"unsafe"

	"buf.build/go/xmalloc/internal/heap"
	"buf.build/go/xmalloc/internal/xsync"
	"buf.build/go/xmalloc/internal/xunsafe"
)

// Heap is an independent allocator with its own arenas, free-byte
// counter, and lock.
//
// A zero Heap is empty and ready to use.
type Heap struct {
	mu   xsync.Mutex
	core heap.Heap
}

// New returns a fresh, empty heap.
func New() *Heap {
	return new(Heap)
}

// std is the process-wide heap behind the package-level functions.
var std = New()

// Memalign allocates size bytes whose address is a multiple of alignment,
// the analogue of posix_memalign.
//
// alignment must be a power of two and a multiple of the pointer width,
// otherwise [ErrInvalidAlignment] is returned and nothing changes. A size
// of zero yields a nil pointer and no error. [ErrNoMemory] means the OS
// refused to provide backing pages.
func (h *Heap) Memalign(alignment, size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, nil
	}
	if alignment == 0 ||
		alignment&(alignment-1) != 0 ||
		alignment%unsafe.Sizeof(uintptr(0)) != 0 {
		return nil, ErrInvalidAlignment
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.core.Allocate(size, alignment)
	if p.IsNil() {
		return nil, ErrNoMemory
	}
	return unsafe.Pointer(p.AssertValid()), nil
}

// Malloc allocates size bytes aligned for any ordinary use. On failure it
// returns nil and records [ErrNoMemory] in the goroutine's [Errno]. A
// size of zero yields nil without error.
func (h *Heap) Malloc(size uintptr) unsafe.Pointer {
	p, err := h.Memalign(8, size)
	if err != nil {
		setErrno(err)
		return nil
	}
	return p
}

// Calloc allocates a zeroed buffer of n elements of elem bytes each.
//
// The product is not checked for overflow.
func (h *Heap) Calloc(n, elem uintptr) unsafe.Pointer {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.Malloc(n * elem)
	if p == nil {
		return nil
	}
	xunsafe.Clear((*byte)(p), n*elem)
	return p
}

// Realloc resizes the buffer at p to size bytes, preserving the leading
// min(old, size) bytes of content, moving the buffer only when it cannot
// grow in place. Realloc(nil, size) is Malloc(size). Realloc(p, 0) frees
// p and returns it. A nil result means p was not a live allocation of
// this heap, or the relocation ran out of memory; in either case the
// original buffer is untouched.
func (h *Heap) Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	if p == nil {
		return h.Malloc(size)
	}
	if size == 0 {
		h.Free(p)
		return p
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	q := h.core.Resize(xunsafe.AddrOf((*byte)(p)), size)
	if q.IsNil() {
		return nil
	}
	return unsafe.Pointer(q.AssertValid())
}

// Free releases the buffer at p. Free(nil), unknown pointers, and double
// frees are no-ops.
func (h *Heap) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.core.Release(xunsafe.AddrOf((*byte)(p)))
}

// FreeBytes returns the total payload bytes currently free across the
// heap's arenas.
func (h *Heap) FreeBytes() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.core.FreeBytes()
}

// Arenas returns the number of live arenas.
func (h *Heap) Arenas() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.core.ArenaCount()
}

// Dump writes a diagnostic picture of the heap's arenas and blocks to w,
// including warnings for any internally inconsistent structure it finds.
func (h *Heap) Dump(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.core.Dump(w)
}

// Memalign allocates from the process-wide heap; see [Heap.Memalign].
func Memalign(alignment, size uintptr) (unsafe.Pointer, error) {
	return std.Memalign(alignment, size)
}

// Malloc allocates from the process-wide heap; see [Heap.Malloc].
func Malloc(size uintptr) unsafe.Pointer {
	return std.Malloc(size)
}

// Calloc allocates from the process-wide heap; see [Heap.Calloc].
func Calloc(n, elem uintptr) unsafe.Pointer {
	return std.Calloc(n, elem)
}

// Realloc resizes on the process-wide heap; see [Heap.Realloc].
func Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	return std.Realloc(p, size)
}

// Free releases to the process-wide heap; see [Heap.Free].
func Free(p unsafe.Pointer) {
	std.Free(p)
}

// FreeBytes reports on the process-wide heap; see [Heap.FreeBytes].
func FreeBytes() uintptr {
	return std.FreeBytes()
}

// Dump dumps the process-wide heap; see [Heap.Dump].
func Dump(w io.Writer) {
	std.Dump(w)
}
