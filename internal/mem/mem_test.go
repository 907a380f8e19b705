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

package mem_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buf.build/go/xmalloc/internal/mem"
	"buf.build/go/xmalloc/internal/xunsafe"
)

func TestMap(t *testing.T) {
	t.Parallel()

	size := 4 * mem.PageSize()
	p, err := mem.Map(size)
	require.NoError(t, err)
	require.False(t, p.IsNil())
	assert.Zero(t, p.Misalign(mem.PageSize()), "mappings are page-aligned")

	// Fresh pages are zeroed and writable end to end.
	b := xunsafe.Bytes(p.AssertValid(), size)
	for _, v := range b {
		require.Zero(t, v)
	}
	b[0], b[size-1] = 1, 1

	require.NoError(t, mem.Unmap(p, size))
}

func TestPageSize(t *testing.T) {
	t.Parallel()

	assert.Positive(t, mem.PageSize())
	assert.Zero(t, mem.PageSize()&(mem.PageSize()-1), "page size is a power of two")
}
