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

package xmalloc_test

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"buf.build/go/xmalloc"
)

func TestMemalignValidation(t *testing.T) {
	t.Parallel()

	h := xmalloc.New()

	// A zero size is success with a nil payload.
	p, err := h.Memalign(8, 0)
	assert.NoError(t, err)
	assert.Nil(t, p)

	for _, align := range []uintptr{0, 2, 3, 12, 24, 513} {
		p, err := h.Memalign(align, 100)
		assert.ErrorIs(t, err, xmalloc.ErrInvalidAlignment, "alignment %d", align)
		assert.ErrorIs(t, err, unix.EINVAL)
		assert.Nil(t, p)
	}

	// Nothing was mapped along the way.
	assert.Equal(t, 0, h.Arenas())
	assert.Zero(t, h.FreeBytes())
}

func TestMallocZero(t *testing.T) {
	t.Parallel()

	h := xmalloc.New()
	assert.Nil(t, h.Malloc(0))
	assert.NoError(t, xmalloc.Errno())
}

func TestErrnoOnExhaustion(t *testing.T) {
	t.Parallel()
	if strconv.IntSize < 64 {
		t.Skip("cannot overwhelm a 32-bit address space reliably")
	}

	h := xmalloc.New()
	p := h.Malloc(uintptr(1) << 61)
	require.Nil(t, p)
	assert.ErrorIs(t, xmalloc.Errno(), xmalloc.ErrNoMemory)
	assert.ErrorIs(t, xmalloc.Errno(), unix.ENOMEM)
}

func TestFreeTolerance(t *testing.T) {
	t.Parallel()

	h := xmalloc.New()
	h.Free(nil)

	p := h.Malloc(100)
	require.NotNil(t, p)
	free := h.FreeBytes()

	// Unknown pointers and double frees fall on the floor.
	var local int
	h.Free(unsafe.Pointer(&local))
	assert.Equal(t, free, h.FreeBytes())

	h.Free(p)
	freed := h.FreeBytes()
	h.Free(p)
	assert.Equal(t, freed, h.FreeBytes())
}

func TestReallocContract(t *testing.T) {
	t.Parallel()

	h := xmalloc.New()

	// Realloc of nil allocates.
	p := h.Realloc(nil, 100)
	require.NotNil(t, p)

	// Realloc of an unknown pointer fails without touching the heap.
	var local int
	free := h.FreeBytes()
	assert.Nil(t, h.Realloc(unsafe.Pointer(&local), 100))
	assert.Equal(t, free, h.FreeBytes())

	// Realloc to zero frees but hands the pointer back.
	q := h.Realloc(p, 0)
	assert.Equal(t, p, q)
}

func TestProcessWideHeap(t *testing.T) {
	t.Parallel()

	p := xmalloc.Malloc(256)
	require.NotNil(t, p)

	s := unsafe.Slice((*byte)(p), 256)
	for i := range s {
		s[i] = byte(i)
	}

	q := xmalloc.Realloc(p, 512)
	require.NotNil(t, q)
	for i, v := range unsafe.Slice((*byte)(q), 256) {
		require.Equal(t, byte(i), v)
	}

	var sb strings.Builder
	xmalloc.Dump(&sb)
	assert.Contains(t, sb.String(), "arena ")
	assert.NotContains(t, sb.String(), "WARNING")
	assert.Positive(t, xmalloc.FreeBytes())

	xmalloc.Free(q)
}

func TestConcurrentUse(t *testing.T) {
	t.Parallel()

	h := xmalloc.New()
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ptrs := make([]unsafe.Pointer, 0, 64)
			for i := range 500 {
				size := uintptr(16 + (g*31+i*7)%2000)
				p := h.Malloc(size)
				if !assert.NotNil(t, p) {
					return
				}
				memset(p, int(size), byte(g+1))
				ptrs = append(ptrs, p)
				if len(ptrs) == cap(ptrs) {
					for _, q := range ptrs {
						h.Free(q)
					}
					ptrs = ptrs[:0]
				}
			}
			for _, q := range ptrs {
				h.Free(q)
			}
		}()
	}
	wg.Wait()

	var sb strings.Builder
	h.Dump(&sb)
	assert.NotContains(t, sb.String(), "WARNING")
}
