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

	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/insertdest"
	"github.com/multigres/multiexec/go/multiexec/querycontext"
	"github.com/multigres/multiexec/go/multiexec/storage"
)

// SelectOperator filters and projects its input into an insert destination,
// one work order per input block.
type SelectOperator struct {
	OperatorBase

	input      blockInput
	output     catalog.RelationID
	dest       querycontext.InsertDestinationID
	predicate  querycontext.PredicateID
	projection querycontext.ProjectionID
}

// NewSelect returns a select over input. When inputIsStored is false the
// input blocks are streamed in by a pipelining producer.
func NewSelect(
	input catalog.RelationID,
	inputIsStored bool,
	output catalog.RelationID,
	dest querycontext.InsertDestinationID,
	predicate querycontext.PredicateID,
	projection querycontext.ProjectionID,
) *SelectOperator {
	return &SelectOperator{
		input:      newBlockInput(input, inputIsStored),
		output:     output,
		dest:       dest,
		predicate:  predicate,
		projection: projection,
	}
}

func (op *SelectOperator) Name() string { return "Select" }

func (op *SelectOperator) GetAllWorkOrders(qctx *querycontext.QueryContext, sink WorkOrderSink) bool {
	blocks, exhausted := op.input.take(qctx.Catalog())
	if len(blocks) > 0 {
		pred := qctx.Predicate(op.predicate)
		proj := qctx.Projection(op.projection)
		dest := qctx.InsertDestination(op.dest)
		for _, b := range blocks {
			sink.AddNormalWorkOrder(&SelectWorkOrder{
				workOrderBase: newWorkOrderBase(op.opIndex, preferredNodes(qctx.Catalog(), op.input.relation, b)),
				block:         b,
				store:         qctx.Storage(),
				predicate:     pred,
				projection:    proj,
				dest:          dest,
			})
		}
	}
	return exhausted
}

func (op *SelectOperator) FeedInputBlock(block storage.BlockID, rel catalog.RelationID, _ int) {
	op.input.feed(rel, block)
}

func (op *SelectOperator) FeedInputBlocks(rel catalog.RelationID, blocks []storage.BlockID) {
	op.input.feed(rel, blocks...)
}

func (op *SelectOperator) DoneFeedingInputBlocks(rel catalog.RelationID) {
	op.OperatorBase.DoneFeedingInputBlocks(rel)
	op.input.done(rel)
}

func (op *SelectOperator) OutputRelationID() catalog.RelationID { return op.output }

func (op *SelectOperator) InsertDestinationID() querycontext.InsertDestinationID { return op.dest }

// SelectWorkOrder filters one block.
type SelectWorkOrder struct {
	workOrderBase

	block      storage.BlockID
	store      *storage.Manager
	predicate  querycontext.Predicate
	projection querycontext.Projection
	dest       *insertdest.InsertDestination
}

// BlockID returns the input block of the work order.
func (wo *SelectWorkOrder) BlockID() storage.BlockID { return wo.block }

func (wo *SelectWorkOrder) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var out []storage.Tuple
	for _, t := range wo.store.Block(wo.block).Tuples() {
		if wo.predicate(t) {
			out = append(out, wo.projection(t))
		}
	}
	return wo.dest.InsertTuples(out)
}
