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

//go:build unix

// Package mem is the page provider: it hands out anonymous, private,
// readable and writable address ranges directly from the OS and takes
// them back whole.
package mem

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"buf.build/go/xmalloc/internal/xunsafe"
)

var pageSize = unix.Getpagesize()

// PageSize returns the size of an OS page in bytes.
func PageSize() int {
	return pageSize
}

// Map obtains size bytes of zeroed, page-aligned address space.
//
// The returned range is invisible to the Go runtime; it must be returned
// with [Unmap], never freed through any other means.
func Map(size int) (xunsafe.Addr[byte], error) {
	b, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return 0, err
	}
	return xunsafe.AddrOf(unsafe.SliceData(b)), nil
}

// Unmap returns a range previously obtained from [Map] to the OS.
// Partial unmaps are not supported.
func Unmap(p xunsafe.Addr[byte], size int) error {
	return unix.Munmap(xunsafe.Bytes(p.AssertValid(), size))
}
