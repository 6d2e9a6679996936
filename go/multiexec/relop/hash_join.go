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

package relop

import (
	"context"
	"fmt"

	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/insertdest"
	"github.com/multigres/multiexec/go/multiexec/querycontext"
	"github.com/multigres/multiexec/go/multiexec/storage"
)

// BuildHashOperator loads its input into a join hash table, one work order
// per input block.
type BuildHashOperator struct {
	OperatorBase

	input     blockInput
	hashTable querycontext.HashTableID
	keyAttr   int
}

func NewBuildHash(input catalog.RelationID, inputIsStored bool, hashTable querycontext.HashTableID, keyAttr int) *BuildHashOperator {
	return &BuildHashOperator{
		input:     newBlockInput(input, inputIsStored),
		hashTable: hashTable,
		keyAttr:   keyAttr,
	}
}

func (op *BuildHashOperator) Name() string { return "BuildHash" }

func (op *BuildHashOperator) GetAllWorkOrders(qctx *querycontext.QueryContext, sink WorkOrderSink) bool {
	blocks, exhausted := op.input.take(qctx.Catalog())
	for _, b := range blocks {
		sink.AddNormalWorkOrder(&BuildHashWorkOrder{
			workOrderBase: newWorkOrderBase(op.opIndex, preferredNodes(qctx.Catalog(), op.input.relation, b)),
			block:         b,
			store:         qctx.Storage(),
			hashTable:     qctx.JoinHashTable(op.hashTable),
			keyAttr:       op.keyAttr,
		})
	}
	return exhausted
}

func (op *BuildHashOperator) FeedInputBlock(block storage.BlockID, rel catalog.RelationID, _ int) {
	op.input.feed(rel, block)
}

func (op *BuildHashOperator) FeedInputBlocks(rel catalog.RelationID, blocks []storage.BlockID) {
	op.input.feed(rel, blocks...)
}

func (op *BuildHashOperator) DoneFeedingInputBlocks(rel catalog.RelationID) {
	op.OperatorBase.DoneFeedingInputBlocks(rel)
	op.input.done(rel)
}

// BuildHashWorkOrder inserts one block into a hash table.
type BuildHashWorkOrder struct {
	workOrderBase

	block     storage.BlockID
	store     *storage.Manager
	hashTable *querycontext.JoinHashTable
	keyAttr   int
}

func (wo *BuildHashWorkOrder) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, t := range wo.store.Block(wo.block).Tuples() {
		key, err := joinKey(t, wo.keyAttr)
		if err != nil {
			return fmt.Errorf("building hash table from block %d: %w", wo.block, err)
		}
		wo.hashTable.Insert(key, t)
	}
	return nil
}

// HashJoinOperator probes a hash table built by a BuildHashOperator with its
// probe input. The build side must be connected by a blocking edge; no work
// is produced before it has finished.
type HashJoinOperator struct {
	OperatorBase

	probe     blockInput
	output    catalog.RelationID
	dest      querycontext.InsertDestinationID
	hashTable querycontext.HashTableID
	keyAttr   int
}

func NewHashJoin(
	probe catalog.RelationID,
	probeIsStored bool,
	output catalog.RelationID,
	dest querycontext.InsertDestinationID,
	hashTable querycontext.HashTableID,
	probeKeyAttr int,
) *HashJoinOperator {
	return &HashJoinOperator{
		probe:     newBlockInput(probe, probeIsStored),
		output:    output,
		dest:      dest,
		hashTable: hashTable,
		keyAttr:   probeKeyAttr,
	}
}

func (op *HashJoinOperator) Name() string { return "HashJoin" }

func (op *HashJoinOperator) GetAllWorkOrders(qctx *querycontext.QueryContext, sink WorkOrderSink) bool {
	if !op.blockingDependenciesMet {
		return false
	}
	blocks, exhausted := op.probe.take(qctx.Catalog())
	for _, b := range blocks {
		sink.AddNormalWorkOrder(&HashJoinWorkOrder{
			workOrderBase: newWorkOrderBase(op.opIndex, preferredNodes(qctx.Catalog(), op.probe.relation, b)),
			block:         b,
			store:         qctx.Storage(),
			hashTable:     qctx.JoinHashTable(op.hashTable),
			keyAttr:       op.keyAttr,
			dest:          qctx.InsertDestination(op.dest),
		})
	}
	return exhausted
}

func (op *HashJoinOperator) FeedInputBlock(block storage.BlockID, rel catalog.RelationID, _ int) {
	op.probe.feed(rel, block)
}

func (op *HashJoinOperator) FeedInputBlocks(rel catalog.RelationID, blocks []storage.BlockID) {
	op.probe.feed(rel, blocks...)
}

func (op *HashJoinOperator) DoneFeedingInputBlocks(rel catalog.RelationID) {
	op.OperatorBase.DoneFeedingInputBlocks(rel)
	op.probe.done(rel)
}

func (op *HashJoinOperator) OutputRelationID() catalog.RelationID { return op.output }

func (op *HashJoinOperator) InsertDestinationID() querycontext.InsertDestinationID { return op.dest }

// HashJoinWorkOrder probes one block. Each output tuple is the matching
// build tuple followed by the probe tuple.
type HashJoinWorkOrder struct {
	workOrderBase

	block     storage.BlockID
	store     *storage.Manager
	hashTable *querycontext.JoinHashTable
	keyAttr   int
	dest      *insertdest.InsertDestination
}

func (wo *HashJoinWorkOrder) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var out []storage.Tuple
	for _, t := range wo.store.Block(wo.block).Tuples() {
		key, err := joinKey(t, wo.keyAttr)
		if err != nil {
			return fmt.Errorf("probing with block %d: %w", wo.block, err)
		}
		for _, match := range wo.hashTable.Probe(key) {
			joined := make(storage.Tuple, 0, len(match)+len(t))
			joined = append(joined, match...)
			out = append(out, append(joined, t...))
		}
	}
	return wo.dest.InsertTuples(out)
}

// DestroyHashOperator frees a join hash table once every prober finished.
type DestroyHashOperator struct {
	OperatorBase

	hashTable querycontext.HashTableID
	generated bool
}

func NewDestroyHash(hashTable querycontext.HashTableID) *DestroyHashOperator {
	return &DestroyHashOperator{hashTable: hashTable}
}

func (op *DestroyHashOperator) Name() string { return "DestroyHash" }

func (op *DestroyHashOperator) GetAllWorkOrders(qctx *querycontext.QueryContext, sink WorkOrderSink) bool {
	if op.blockingDependenciesMet && !op.generated {
		sink.AddNormalWorkOrder(&DestroyHashWorkOrder{
			workOrderBase: newWorkOrderBase(op.opIndex, nil),
			hashTable:     qctx.JoinHashTable(op.hashTable),
		})
		op.generated = true
	}
	return op.generated
}

type DestroyHashWorkOrder struct {
	workOrderBase
	hashTable *querycontext.JoinHashTable
}

func (wo *DestroyHashWorkOrder) Execute(context.Context) error {
	wo.hashTable.Destroy()
	return nil
}

func joinKey(t storage.Tuple, attr int) (int64, error) {
	if attr < 0 || attr >= len(t) {
		return 0, fmt.Errorf("tuple %v has no attribute %d", t, attr)
	}
	return t[attr], nil
}
