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

// Package storage holds the in-memory blocks of tuples that operators read
// and write. Blocks are addressed by BlockID everywhere outside this package.
package storage

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// BlockID identifies a block for the lifetime of the process.
type BlockID int64

// InvalidBlockID is never assigned to a block.
const InvalidBlockID BlockID = -1

// NoNUMANode marks a block, worker or work order without node affinity.
const NoNUMANode = -1

// ErrBlockFull is returned by Block.Insert when the block has no free slot.
var ErrBlockFull = errors.New("block is full")

// Tuple is a row of integer attributes.
type Tuple []int64

// Clone returns a copy of t that shares no memory with it.
func (t Tuple) Clone() Tuple {
	return slices.Clone(t)
}

// Block is a fixed-capacity chunk of tuples. A block is written by at most
// one work order at a time but may be read concurrently, so all access goes
// through the block's mutex.
type Block struct {
	id       BlockID
	capacity int
	numaNode int

	mu      sync.RWMutex
	tuples  []Tuple
	rebuilt bool
}

func newBlock(id BlockID, capacity, numaNode int) *Block {
	if capacity <= 0 {
		panic(fmt.Sprintf("storage: block capacity must be positive, got %d", capacity))
	}
	return &Block{
		id:       id,
		capacity: capacity,
		numaNode: numaNode,
		tuples:   make([]Tuple, 0, min(capacity, 1024)),
	}
}

func (b *Block) ID() BlockID   { return b.id }
func (b *Block) Capacity() int { return b.capacity }

// NUMANode returns the node the block was allocated on, or NoNUMANode.
func (b *Block) NUMANode() int { return b.numaNode }

// Insert appends a copy of t.
func (b *Block) Insert(t Tuple) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tuples) >= b.capacity {
		return ErrBlockFull
	}
	b.tuples = append(b.tuples, t.Clone())
	b.rebuilt = false
	return nil
}

// Full reports whether no more tuples fit.
func (b *Block) Full() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tuples) >= b.capacity
}

func (b *Block) NumTuples() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tuples)
}

// Tuples returns a point-in-time copy of the block's tuples.
func (b *Block) Tuples() []Tuple {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Tuple, len(b.tuples))
	for i, t := range b.tuples {
		out[i] = t.Clone()
	}
	return out
}

// Rebuild compacts the block and orders its tuples by their first attribute.
// Tuples with equal keys keep their insertion order.
func (b *Block) Rebuild() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tuples = slices.Clip(b.tuples)
	slices.SortStableFunc(b.tuples, CompareFirstAttribute)
	b.rebuilt = true
}

// Rebuilt reports whether Rebuild ran after the last insert.
func (b *Block) Rebuilt() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rebuilt
}

// CompareFirstAttribute orders tuples by attribute 0. Empty tuples sort first.
func CompareFirstAttribute(a, b Tuple) int {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return -1
	case len(b) == 0:
		return 1
	}
	return cmp.Compare(a[0], b[0])
}
