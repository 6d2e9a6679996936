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

// Package insertdest implements the block pool operators write their output
// through. A destination hands one block at a time to a writer, announces new
// blocks to the catalog and streams full blocks to pipelining consumers.
package insertdest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/messages"
	"github.com/multigres/multiexec/go/multiexec/storage"
)

// ErrTupleWidth is returned when a tuple does not have as many attributes as
// the destination relation.
var ErrTupleWidth = errors.New("tuple width does not match relation")

// InsertDestination is a pool of output blocks for one relation, written by
// one operator. It is safe for concurrent use by that operator's work orders.
type InsertDestination struct {
	relation      catalog.RelationID
	numAttributes int
	operatorIndex int
	numaNode      int
	store         *storage.Manager
	cat           *catalog.Catalog

	mu        sync.Mutex
	sender    messages.Sender
	available []*storage.Block
	done      []storage.BlockID
}

// New returns a destination writing into relation on behalf of the operator
// at operatorIndex. New blocks are allocated on numaNode, which may be
// storage.NoNUMANode.
func New(cat *catalog.Catalog, store *storage.Manager, relation catalog.RelationID, operatorIndex, numaNode int) *InsertDestination {
	rel := cat.Relation(relation)
	return &InsertDestination{
		relation:      relation,
		numAttributes: rel.NumAttributes(),
		operatorIndex: operatorIndex,
		numaNode:      numaNode,
		store:         store,
		cat:           cat,
	}
}

func (d *InsertDestination) RelationID() catalog.RelationID { return d.relation }
func (d *InsertDestination) OperatorIndex() int             { return d.operatorIndex }

// SetSender sets where block announcements go. It must be called before any
// tuple is inserted.
func (d *InsertDestination) SetSender(s messages.Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sender = s
}

// InsertTuples writes tuples into pooled blocks, taking fresh blocks as the
// current one fills up. Tuples are checked against the relation width first,
// so a rejected batch writes nothing.
func (d *InsertDestination) InsertTuples(tuples []storage.Tuple) error {
	if len(tuples) == 0 {
		return nil
	}
	if d.numAttributes > 0 {
		for _, t := range tuples {
			if len(t) != d.numAttributes {
				return fmt.Errorf("inserting %v into relation %d with %d attributes: %w", t, d.relation, d.numAttributes, ErrTupleWidth)
			}
		}
	}
	block := d.blockForInsertion()
	for _, t := range tuples {
		err := block.Insert(t)
		if errors.Is(err, storage.ErrBlockFull) {
			d.returnBlock(block)
			block = d.blockForInsertion()
			err = block.Insert(t)
		}
		if err != nil {
			d.returnBlock(block)
			return fmt.Errorf("inserting into relation %d: %w", d.relation, err)
		}
	}
	d.returnBlock(block)
	return nil
}

// PartiallyFilledBlocks removes and returns the blocks left in the pool.
// They are the input of the rebuild pass.
func (d *InsertDestination) PartiallyFilledBlocks() []*storage.Block {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.available
	d.available = nil
	return out
}

// DoneBlocks returns the ids of blocks already streamed as full.
func (d *InsertDestination) DoneBlocks() []storage.BlockID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]storage.BlockID(nil), d.done...)
}

func (d *InsertDestination) blockForInsertion() *storage.Block {
	d.mu.Lock()
	if n := len(d.available); n > 0 {
		b := d.available[n-1]
		d.available = d.available[:n-1]
		d.mu.Unlock()
		return b
	}
	sender := d.sender
	d.mu.Unlock()

	b := d.store.CreateBlock(d.numaNode)
	if d.numaNode != storage.NoNUMANode {
		d.cat.Relation(d.relation).SetBlockNUMANode(b.ID(), d.numaNode)
	}
	if sender != nil {
		sender.Send(messages.CatalogRelationNewBlock{RelationID: d.relation, BlockID: b.ID()})
	}
	return b
}

func (d *InsertDestination) returnBlock(b *storage.Block) {
	d.mu.Lock()
	if !b.Full() {
		d.available = append(d.available, b)
		d.mu.Unlock()
		return
	}
	d.done = append(d.done, b.ID())
	sender := d.sender
	d.mu.Unlock()

	if sender != nil {
		sender.Send(messages.DataPipeline{
			OperatorIndex: d.operatorIndex,
			BlockID:       b.ID(),
			RelationID:    d.relation,
		})
	}
}
