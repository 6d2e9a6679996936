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
	"math/rand/v2"

	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/insertdest"
	"github.com/multigres/multiexec/go/multiexec/querycontext"
	"github.com/multigres/multiexec/go/multiexec/storage"
)

// SampleOperator copies a random sample of its input. Block sampling picks
// whole blocks while generating work orders; tuple sampling picks tuples
// inside each work order. Both are deterministic for a given seed.
type SampleOperator struct {
	OperatorBase

	input       blockInput
	output      catalog.RelationID
	dest        querycontext.InsertDestinationID
	blockSample bool
	percentage  int
	seed        uint64
	rng         *rand.Rand
}

func NewSample(
	input catalog.RelationID,
	inputIsStored bool,
	output catalog.RelationID,
	dest querycontext.InsertDestinationID,
	blockSample bool,
	percentage int,
	seed uint64,
) *SampleOperator {
	return &SampleOperator{
		input:       newBlockInput(input, inputIsStored),
		output:      output,
		dest:        dest,
		blockSample: blockSample,
		percentage:  min(max(percentage, 0), 100),
		seed:        seed,
		rng:         rand.New(rand.NewPCG(seed, 0)),
	}
}

func (op *SampleOperator) Name() string { return "Sample" }

func (op *SampleOperator) GetAllWorkOrders(qctx *querycontext.QueryContext, sink WorkOrderSink) bool {
	blocks, exhausted := op.input.take(qctx.Catalog())
	for _, b := range blocks {
		percentage := op.percentage
		if op.blockSample {
			if op.rng.IntN(100) >= op.percentage {
				continue
			}
			percentage = 100
		}
		sink.AddNormalWorkOrder(&SampleWorkOrder{
			workOrderBase: newWorkOrderBase(op.opIndex, preferredNodes(qctx.Catalog(), op.input.relation, b)),
			block:         b,
			store:         qctx.Storage(),
			dest:          qctx.InsertDestination(op.dest),
			percentage:    percentage,
			seed:          op.seed,
		})
	}
	return exhausted
}

func (op *SampleOperator) FeedInputBlock(block storage.BlockID, rel catalog.RelationID, _ int) {
	op.input.feed(rel, block)
}

func (op *SampleOperator) FeedInputBlocks(rel catalog.RelationID, blocks []storage.BlockID) {
	op.input.feed(rel, blocks...)
}

func (op *SampleOperator) DoneFeedingInputBlocks(rel catalog.RelationID) {
	op.OperatorBase.DoneFeedingInputBlocks(rel)
	op.input.done(rel)
}

func (op *SampleOperator) OutputRelationID() catalog.RelationID { return op.output }

func (op *SampleOperator) InsertDestinationID() querycontext.InsertDestinationID { return op.dest }

// SampleWorkOrder copies each tuple of one block with the given probability
// in percent.
type SampleWorkOrder struct {
	workOrderBase

	block      storage.BlockID
	store      *storage.Manager
	dest       *insertdest.InsertDestination
	percentage int
	seed       uint64
}

func (wo *SampleWorkOrder) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tuples := wo.store.Block(wo.block).Tuples()
	if wo.percentage < 100 {
		rng := rand.New(rand.NewPCG(wo.seed, uint64(wo.block)))
		kept := tuples[:0]
		for _, t := range tuples {
			if rng.IntN(100) < wo.percentage {
				kept = append(kept, t)
			}
		}
		tuples = kept
	}
	return wo.dest.InsertTuples(tuples)
}
