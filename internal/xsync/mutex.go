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

// Package xsync provides synchronization primitives missing from package
// sync.
package xsync

import (
	"sync"
	"sync/atomic"

	"github.com/timandy/routine"
)

// Mutex is a reentrant mutual exclusion lock.
//
// The goroutine holding the lock may lock it again without deadlocking;
// each Lock must be balanced by an Unlock on the same goroutine, and the
// lock is released when the outermost Unlock runs.
//
// A zero Mutex is unlocked and ready to use.
type Mutex struct {
	mu sync.Mutex

	// Goid of the holder, 0 if unheld. Only the holder writes a zero,
	// and only the holder can observe its own goid here, so a plain
	// atomic load is enough for the reentry check.
	owner atomic.Uint64
	depth int
}

// Lock locks m, blocking unless the calling goroutine already holds it.
func (m *Mutex) Lock() {
	gid := routine.Goid()
	if m.owner.Load() == gid {
		m.depth++
		return
	}

	m.mu.Lock()
	m.owner.Store(gid)
	m.depth = 1
}

// Unlock undoes one Lock, releasing m if it was the outermost one.
func (m *Mutex) Unlock() {
	if m.owner.Load() != routine.Goid() {
		panic("xsync: unlock of mutex held by another goroutine")
	}

	m.depth--
	if m.depth == 0 {
		m.owner.Store(0)
		m.mu.Unlock()
	}
}
