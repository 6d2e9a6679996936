// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/multiexec/go/multiexec/storage"
)

func TestBlockListOrderAndIdempotence(t *testing.T) {
	var l BlockList
	l.Append(3)
	l.Append(1)
	l.Append(2)
	l.Append(1)
	assert.Equal(t, []storage.BlockID{3, 1, 2}, l.Snapshot())

	l.Remove(1)
	l.Remove(1)
	l.Remove(42)
	assert.Equal(t, []storage.BlockID{3, 2}, l.Snapshot())
	assert.Equal(t, 2, l.Size())
	assert.True(t, l.Contains(2))
	assert.False(t, l.Contains(1))

	l.Clear()
	assert.Empty(t, l.Snapshot())
	assert.Equal(t, 0, l.Size())
}

func TestBlockListSnapshotIsACopy(t *testing.T) {
	var l BlockList
	l.Append(1)
	snap := l.Snapshot()
	l.Append(2)
	assert.Equal(t, []storage.BlockID{1}, snap)
}

func TestBlockListConcurrentAppendAndSnapshot(t *testing.T) {
	var l BlockList
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			for j := range 100 {
				l.Append(storage.BlockID(i*100 + j))
			}
		})
		wg.Go(func() {
			for range 100 {
				snap := l.Snapshot()
				assert.LessOrEqual(t, len(snap), 800)
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 800, l.Size())
}

func TestCatalogRelations(t *testing.T) {
	c := New()
	a := c.AddRelation("a", 2)
	b := c.AddRelation("b", 1)
	assert.Equal(t, RelationID(0), a.ID())
	assert.Equal(t, RelationID(1), b.ID())
	assert.Same(t, b, c.Relation(b.ID()))
	assert.Equal(t, 2, a.NumAttributes())

	got, ok := c.RelationByName("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	c.DropRelation(a.ID())
	c.DropRelation(a.ID())
	_, ok = c.LookupRelation(a.ID())
	assert.False(t, ok)
	assert.Panics(t, func() { c.Relation(a.ID()) })
	assert.Equal(t, []*Relation{b}, c.Relations())

	assert.False(t, InvalidRelationID.IsValid())
	assert.True(t, b.ID().IsValid())
}

func TestRelationPlacement(t *testing.T) {
	c := New()
	r := c.AddRelation("r", 1)
	_, ok := r.BlockNUMANode(5)
	assert.False(t, ok)

	r.SetBlockNUMANode(5, 1)
	node, ok := r.BlockNUMANode(5)
	require.True(t, ok)
	assert.Equal(t, 1, node)

	r.SetBlockNUMANode(5, storage.NoNUMANode)
	_, ok = r.BlockNUMANode(5)
	assert.False(t, ok)
}
