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

// Package relop defines the relational operator and work order protocol and
// the operators the executor ships with.
//
// An operator is a node of the query plan. The scheduler asks it for work
// orders whenever something it depends on changes; the operator hands them
// to a WorkOrderSink and reports whether it will ever produce more. Work
// orders run concurrently on workers, while operators are only ever touched
// by the single dispatcher goroutine.
package relop

import (
	"fmt"

	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/messages"
	"github.com/multigres/multiexec/go/multiexec/querycontext"
	"github.com/multigres/multiexec/go/multiexec/storage"
)

// FeedbackMessage is what a work order reports to its operator.
type FeedbackMessage = messages.Feedback

// WorkOrderSink receives the work orders an operator generates.
type WorkOrderSink interface {
	AddNormalWorkOrder(wo WorkOrder)
}

// Operator is a node of the query plan.
type Operator interface {
	// Name is a short label for logs and plan listings.
	Name() string

	// GetAllWorkOrders adds every work order that can be produced with the
	// input seen so far and reports whether generation is complete. Once it
	// has returned true, further calls must add nothing.
	GetAllWorkOrders(qctx *querycontext.QueryContext, sink WorkOrderSink) bool

	// FeedInputBlock hands over a block streamed by a pipelining producer.
	FeedInputBlock(block storage.BlockID, rel catalog.RelationID, partition int)
	// FeedInputBlocks hands over several streamed blocks at once.
	FeedInputBlocks(rel catalog.RelationID, blocks []storage.BlockID)
	// DoneFeedingInputBlocks signals that rel will not stream more blocks.
	DoneFeedingInputBlocks(rel catalog.RelationID)
	// InformAllBlockingDependenciesMet signals that every producer connected
	// by a blocking edge has finished.
	InformAllBlockingDependenciesMet()
	// UpdateCatalogOnCompletion runs once, after the operator finished.
	UpdateCatalogOnCompletion()

	OutputRelationID() catalog.RelationID
	InsertDestinationID() querycontext.InsertDestinationID

	ReceiveFeedbackMessage(msg FeedbackMessage)

	SetOperatorIndex(i int)
	OperatorIndex() int
}

// OperatorBase carries the state every operator shares and the default
// behavior of the optional hooks. Operators embed it.
type OperatorBase struct {
	opIndex                 int
	blockingDependenciesMet bool
	doneFeedingInputBlocks  bool
}

func (b *OperatorBase) SetOperatorIndex(i int) { b.opIndex = i }
func (b *OperatorBase) OperatorIndex() int     { return b.opIndex }

func (b *OperatorBase) InformAllBlockingDependenciesMet() { b.blockingDependenciesMet = true }

// BlockingDependenciesMet reports whether InformAllBlockingDependenciesMet
// was called.
func (b *OperatorBase) BlockingDependenciesMet() bool { return b.blockingDependenciesMet }

func (b *OperatorBase) FeedInputBlock(storage.BlockID, catalog.RelationID, int) {}

func (b *OperatorBase) FeedInputBlocks(catalog.RelationID, []storage.BlockID) {}

func (b *OperatorBase) DoneFeedingInputBlocks(catalog.RelationID) { b.doneFeedingInputBlocks = true }

// DoneFeeding reports whether any upstream producer signalled the end of its
// stream.
func (b *OperatorBase) DoneFeeding() bool { return b.doneFeedingInputBlocks }

func (b *OperatorBase) UpdateCatalogOnCompletion() {}

func (b *OperatorBase) OutputRelationID() catalog.RelationID { return catalog.InvalidRelationID }

func (b *OperatorBase) InsertDestinationID() querycontext.InsertDestinationID {
	return querycontext.InvalidInsertDestinationID
}

func (b *OperatorBase) ReceiveFeedbackMessage(msg FeedbackMessage) {
	panic(fmt.Sprintf("relop: operator %d received unexpected feedback of type %d", b.opIndex, msg.Type))
}

// blockInput tracks the blocks of one input relation, whether they are all
// stored up front or streamed in by a pipelining producer.
type blockInput struct {
	relation    catalog.RelationID
	stored      bool
	started     bool
	fed         []storage.BlockID
	handedOut   int
	doneFeeding bool
}

func newBlockInput(rel catalog.RelationID, stored bool) blockInput {
	return blockInput{relation: rel, stored: stored}
}

// take returns the blocks not handed out yet and whether the input is
// exhausted once they are processed.
func (in *blockInput) take(cat *catalog.Catalog) ([]storage.BlockID, bool) {
	if in.stored {
		if in.started {
			return nil, true
		}
		in.started = true
		return cat.Relation(in.relation).Blocks().Snapshot(), true
	}
	out := append([]storage.BlockID(nil), in.fed[in.handedOut:]...)
	in.handedOut = len(in.fed)
	return out, in.doneFeeding
}

func (in *blockInput) feed(rel catalog.RelationID, blocks ...storage.BlockID) {
	if in.stored || rel != in.relation {
		return
	}
	in.fed = append(in.fed, blocks...)
}

func (in *blockInput) done(rel catalog.RelationID) {
	if rel == in.relation {
		in.doneFeeding = true
	}
}

// preferredNodes returns the placement hint for a block of rel.
func preferredNodes(cat *catalog.Catalog, rel catalog.RelationID, block storage.BlockID) []int {
	r, ok := cat.LookupRelation(rel)
	if !ok {
		return nil
	}
	if node, ok := r.BlockNUMANode(block); ok {
		return []int{node}
	}
	return nil
}
