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

// InsertOperator writes a fixed list of tuples with a single work order.
type InsertOperator struct {
	OperatorBase

	output    catalog.RelationID
	dest      querycontext.InsertDestinationID
	tuples    []storage.Tuple
	generated bool
}

func NewInsert(output catalog.RelationID, dest querycontext.InsertDestinationID, tuples []storage.Tuple) *InsertOperator {
	cp := make([]storage.Tuple, len(tuples))
	for i, t := range tuples {
		cp[i] = t.Clone()
	}
	return &InsertOperator{output: output, dest: dest, tuples: cp}
}

func (op *InsertOperator) Name() string { return "Insert" }

func (op *InsertOperator) GetAllWorkOrders(qctx *querycontext.QueryContext, sink WorkOrderSink) bool {
	if op.blockingDependenciesMet && !op.generated {
		sink.AddNormalWorkOrder(&InsertWorkOrder{
			workOrderBase: newWorkOrderBase(op.opIndex, nil),
			tuples:        op.tuples,
			dest:          qctx.InsertDestination(op.dest),
		})
		op.generated = true
	}
	return op.generated
}

func (op *InsertOperator) OutputRelationID() catalog.RelationID { return op.output }

func (op *InsertOperator) InsertDestinationID() querycontext.InsertDestinationID { return op.dest }

type InsertWorkOrder struct {
	workOrderBase
	tuples []storage.Tuple
	dest   *insertdest.InsertDestination
}

func (wo *InsertWorkOrder) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wo.dest.InsertTuples(wo.tuples)
}
