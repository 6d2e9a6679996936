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

// Package catalog keeps the relations of a query and their block lists.
// Relations are addressed by a stable RelationID; callers store the ID and
// resolve it through the Catalog whenever they need the relation.
package catalog

import (
	"slices"
	"sync"

	"github.com/multigres/multiexec/go/multiexec/storage"
)

// BlockList is the insertion-ordered set of blocks belonging to a relation.
// Workers append to it while the scheduler snapshots it, so it is guarded by
// a reader/writer lock.
type BlockList struct {
	mu     sync.RWMutex
	blocks []storage.BlockID
}

// Append adds id at the end. Appending a block already in the list is a no-op.
func (l *BlockList) Append(id storage.BlockID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slices.Contains(l.blocks, id) {
		return
	}
	l.blocks = append(l.blocks, id)
}

// Remove deletes id from the list. Removing a missing id is a no-op.
func (l *BlockList) Remove(id storage.BlockID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := slices.Index(l.blocks, id); i >= 0 {
		l.blocks = slices.Delete(l.blocks, i, i+1)
	}
}

func (l *BlockList) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks = nil
}

// Snapshot returns a copy of the list at this instant.
func (l *BlockList) Snapshot() []storage.BlockID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.blocks)
}

func (l *BlockList) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

func (l *BlockList) Contains(id storage.BlockID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Contains(l.blocks, id)
}
