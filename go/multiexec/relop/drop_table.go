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
	"github.com/multigres/multiexec/go/multiexec/querycontext"
	"github.com/multigres/multiexec/go/multiexec/storage"
)

// DropTableOperator deletes the blocks of a relation and, unless only the
// blocks are to be dropped, the relation itself.
type DropTableOperator struct {
	OperatorBase

	cat            *catalog.Catalog
	relation       catalog.RelationID
	onlyDropBlocks bool
	generated      bool
}

func NewDropTable(cat *catalog.Catalog, relation catalog.RelationID, onlyDropBlocks bool) *DropTableOperator {
	return &DropTableOperator{cat: cat, relation: relation, onlyDropBlocks: onlyDropBlocks}
}

func (op *DropTableOperator) Name() string { return "DropTable" }

func (op *DropTableOperator) GetAllWorkOrders(qctx *querycontext.QueryContext, sink WorkOrderSink) bool {
	if op.blockingDependenciesMet && !op.generated {
		var blocks []storage.BlockID
		if r, ok := op.cat.LookupRelation(op.relation); ok {
			blocks = r.Blocks().Snapshot()
		}
		sink.AddNormalWorkOrder(&DropTableWorkOrder{
			workOrderBase: newWorkOrderBase(op.opIndex, nil),
			blocks:        blocks,
			store:         qctx.Storage(),
			cat:           op.cat,
			relation:      op.relation,
		})
		op.generated = true
	}
	return op.generated
}

func (op *DropTableOperator) UpdateCatalogOnCompletion() {
	if !op.onlyDropBlocks {
		op.cat.DropRelation(op.relation)
	}
}

// DropTableWorkOrder frees a fixed list of blocks of one relation.
type DropTableWorkOrder struct {
	workOrderBase

	blocks   []storage.BlockID
	store    *storage.Manager
	cat      *catalog.Catalog
	relation catalog.RelationID
}

func (wo *DropTableWorkOrder) Execute(context.Context) error {
	r, ok := wo.cat.LookupRelation(wo.relation)
	for _, b := range wo.blocks {
		wo.store.DeleteBlock(b)
		if ok {
			r.Blocks().Remove(b)
		}
	}
	return nil
}
