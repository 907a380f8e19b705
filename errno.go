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

package xmalloc

import (
	"fmt"

	"github.com/timandy/routine"
	"golang.org/x/sys/unix"
)

// Errors returned by [Memalign] and recorded by [Malloc] and [Calloc].
// [Realloc] records one only when it falls back to [Malloc] for a nil
// pointer; a relocation that runs out of memory returns nil without
// recording an error. Both unwrap to the matching [unix.Errno].
var (
	// ErrInvalidAlignment means the alignment was not a power of two, or
	// not a multiple of the pointer width.
	ErrInvalidAlignment = fmt.Errorf("xmalloc: invalid alignment: %w", unix.EINVAL)

	// ErrNoMemory means the OS refused to map pages for the request.
	ErrNoMemory = fmt.Errorf("xmalloc: out of memory: %w", unix.ENOMEM)
)

// lastErr is the per-goroutine error indicator, the moral equivalent of
// C's thread-local errno.
var lastErr = routine.NewThreadLocal[error]()

// Errno returns the last allocation failure observed by the calling
// goroutine through one of the pointer-returning entry points, or nil.
func Errno() error {
	return lastErr.Get()
}

func setErrno(err error) {
	lastErr.Set(err)
}
