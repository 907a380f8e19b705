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

// Package xunsafe provides a more convenient interface for performing
// unsafe operations than Go's built-in package unsafe.
package xunsafe

import (
	"unsafe"

	"buf.build/go/xmalloc/internal/xunsafe/layout"
)

// Int is any integer type.
type Int = layout.Int

// Cast casts one pointer type to another.
func Cast[To, From any](p *From) *To {
	return (*To)(unsafe.Pointer(p))
}

// ByteAdd adds the given offset to p, without scaling.
//
// It also throws in a cast for free.
//
//go:nocheckptr
func ByteAdd[T any, P ~*E, E any, I Int](p P, n I) *T {
	return (*T)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(n)))
}

// ByteSub computes the difference between two pointers, without scaling.
func ByteSub[P1 ~*E1, P2 ~*E2, E1, E2 any](p1 P1, p2 P2) int {
	return int(uintptr(unsafe.Pointer(p1)) - uintptr(unsafe.Pointer(p2)))
}

// Copy copies n bytes from src to dst. The ranges may overlap.
func Copy[P ~*E, E any, I Int](dst, src P, n I) {
	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), n), unsafe.Slice((*byte)(unsafe.Pointer(src)), n))
}

// Clear zeros n bytes at p.
func Clear[P ~*E, E any, I Int](p P, n I) {
	clear(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}

// Bytes returns the n bytes at p as a slice.
func Bytes[P ~*E, E any, I Int](p P, n I) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}
