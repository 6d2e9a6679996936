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

package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/querycontext"
	"github.com/multigres/multiexec/go/multiexec/queryplan"
	"github.com/multigres/multiexec/go/multiexec/relop"
	"github.com/multigres/multiexec/go/multiexec/storage"
)

type mockWorkOrder struct {
	op    int
	nodes []int
	block storage.BlockID
	tag   string
}

func (w *mockWorkOrder) Execute(context.Context) error { return nil }
func (w *mockWorkOrder) PreferredNUMANodes() []int     { return w.nodes }
func (w *mockWorkOrder) OperatorIndex() int            { return w.op }

// mockOperator produces a fixed number of work orders, with the NUMA
// preferences listed in nodes, once its blocking dependencies are met. When
// streaming it produces one work order per fed block until its producers are
// done feeding.
type mockOperator struct {
	relop.OperatorBase

	name      string
	produce   int
	nodes     [][]int
	streaming bool
	output    catalog.RelationID
	dest      querycontext.InsertDestinationID

	pending []storage.BlockID
	done    bool

	getCalls       int
	callsAfterDone int
	informCalls    int
	catalogUpdates int
	fed            []storage.BlockID
	doneFeeding    []catalog.RelationID
	feedback       []relop.FeedbackMessage
}

func newMockOperator(name string, produce int) *mockOperator {
	return &mockOperator{
		name:    name,
		produce: produce,
		output:  catalog.InvalidRelationID,
		dest:    querycontext.InvalidInsertDestinationID,
	}
}

func (o *mockOperator) Name() string { return o.name }

func (o *mockOperator) GetAllWorkOrders(_ *querycontext.QueryContext, sink relop.WorkOrderSink) bool {
	o.getCalls++
	if o.done {
		o.callsAfterDone++
		return true
	}
	if !o.BlockingDependenciesMet() {
		return false
	}
	if o.streaming {
		for _, b := range o.pending {
			sink.AddNormalWorkOrder(&mockWorkOrder{op: o.OperatorIndex(), block: b})
		}
		o.pending = nil
		o.done = o.DoneFeeding()
		return o.done
	}
	for i := range o.produce {
		wo := &mockWorkOrder{op: o.OperatorIndex()}
		if i < len(o.nodes) {
			wo.nodes = o.nodes[i]
		}
		sink.AddNormalWorkOrder(wo)
	}
	o.done = true
	return true
}

func (o *mockOperator) FeedInputBlock(block storage.BlockID, _ catalog.RelationID, _ int) {
	o.fed = append(o.fed, block)
	o.pending = append(o.pending, block)
}

func (o *mockOperator) DoneFeedingInputBlocks(rel catalog.RelationID) {
	o.doneFeeding = append(o.doneFeeding, rel)
	o.OperatorBase.DoneFeedingInputBlocks(rel)
}

func (o *mockOperator) InformAllBlockingDependenciesMet() {
	o.informCalls++
	o.OperatorBase.InformAllBlockingDependenciesMet()
}

func (o *mockOperator) UpdateCatalogOnCompletion()           { o.catalogUpdates++ }
func (o *mockOperator) OutputRelationID() catalog.RelationID { return o.output }

func (o *mockOperator) InsertDestinationID() querycontext.InsertDestinationID { return o.dest }

func (o *mockOperator) ReceiveFeedbackMessage(msg relop.FeedbackMessage) {
	o.feedback = append(o.feedback, msg)
}

func newTestQueryContext() *querycontext.QueryContext {
	return querycontext.New(catalog.New(), storage.NewManager(4))
}

func newTestQueryManager(t *testing.T, plan *queryplan.QueryPlan, qctx *querycontext.QueryContext) *QueryManager {
	t.Helper()
	require.NoError(t, plan.Validate())
	return NewQueryManager(context.Background(), plan, qctx, Options{NumNUMANodes: 2, PreferSingleNUMANode: true})
}

// runToCompletion dispatches and completes work orders one at a time, the
// way a single worker would.
func runToCompletion(t *testing.T, qm *QueryManager) {
	t.Helper()
	for steps := 0; !qm.Done(); steps++ {
		require.Less(t, steps, 10000, "query did not converge")
		wo, kind, ok := qm.GetNextWorkOrder(storage.NoNUMANode)
		require.True(t, ok, "no work order available while query is unfinished")
		require.NoError(t, wo.Execute(context.Background()))
		if kind == KindRebuild {
			qm.ProcessRebuildWorkOrderComplete(wo.OperatorIndex())
		} else {
			qm.ProcessWorkOrderComplete(wo.OperatorIndex())
		}
	}
}
