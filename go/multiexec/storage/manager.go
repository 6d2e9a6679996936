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

package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Manager owns every block of a query. It is safe for concurrent use.
type Manager struct {
	defaultCapacity int
	nextID          atomic.Int64

	mu     sync.RWMutex
	blocks map[BlockID]*Block
}

// NewManager returns a Manager whose blocks hold blockCapacity tuples unless
// created with an explicit capacity.
func NewManager(blockCapacity int) *Manager {
	if blockCapacity <= 0 {
		panic(fmt.Sprintf("storage: block capacity must be positive, got %d", blockCapacity))
	}
	return &Manager{
		defaultCapacity: blockCapacity,
		blocks:          make(map[BlockID]*Block),
	}
}

// BlockCapacity returns the default capacity of new blocks.
func (m *Manager) BlockCapacity() int { return m.defaultCapacity }

// CreateBlock allocates an empty block with the default capacity.
func (m *Manager) CreateBlock(numaNode int) *Block {
	return m.CreateBlockWithCapacity(m.defaultCapacity, numaNode)
}

// CreateBlockWithCapacity allocates an empty block holding up to capacity tuples.
func (m *Manager) CreateBlockWithCapacity(capacity, numaNode int) *Block {
	b := newBlock(BlockID(m.nextID.Add(1)-1), capacity, numaNode)
	m.mu.Lock()
	m.blocks[b.id] = b
	m.mu.Unlock()
	return b
}

// Block returns the block with the given id. Unknown ids panic.
func (m *Manager) Block(id BlockID) *Block {
	b, ok := m.LookupBlock(id)
	if !ok {
		panic(fmt.Sprintf("storage: unknown block %d", id))
	}
	return b
}

// LookupBlock returns the block with the given id, if it exists.
func (m *Manager) LookupBlock(id BlockID) (*Block, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[id]
	return b, ok
}

// DeleteBlock frees a block. Deleting an unknown block is a no-op.
func (m *Manager) DeleteBlock(id BlockID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, id)
}

// NumBlocks returns the number of live blocks.
func (m *Manager) NumBlocks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}
