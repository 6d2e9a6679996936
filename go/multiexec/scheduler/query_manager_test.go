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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/insertdest"
	"github.com/multigres/multiexec/go/multiexec/messages"
	"github.com/multigres/multiexec/go/multiexec/queryplan"
	"github.com/multigres/multiexec/go/multiexec/storage"
)

func TestPipelinedBlockReachesConsumerImmediately(t *testing.T) {
	plan := queryplan.New()
	scan := newMockOperator("scan", 1)
	scan.output = catalog.RelationID(3)
	sel := newMockOperator("select", 0)
	sel.streaming = true
	scanIdx := plan.AddRelationalOperator(scan)
	selIdx := plan.AddRelationalOperator(sel)
	plan.AddDirectDependency(selIdx, scanIdx, false)

	qm := newTestQueryManager(t, plan, newTestQueryContext())
	require.Equal(t, 1, sel.informCalls)
	require.Equal(t, 0, qm.Container().NumNormalWorkOrders(selIdx))

	wo, kind, ok := qm.GetNextWorkOrder(storage.NoNUMANode)
	require.True(t, ok)
	assert.Equal(t, KindNormal, kind)
	assert.Equal(t, scanIdx, wo.OperatorIndex())

	callsBefore := sel.getCalls
	status := qm.ProcessMessage(messages.DataPipeline{OperatorIndex: scanIdx, BlockID: 7, RelationID: scan.output})
	assert.Equal(t, QueryStatusNone, status)
	assert.Equal(t, []storage.BlockID{7}, sel.fed)
	assert.Equal(t, callsBefore+1, sel.getCalls)
	require.Equal(t, 1, qm.Container().NumNormalWorkOrders(selIdx))

	selWO, _, ok := qm.GetNextWorkOrder(storage.NoNUMANode)
	require.True(t, ok)
	require.Equal(t, selIdx, selWO.OperatorIndex())
	assert.Equal(t, storage.BlockID(7), selWO.(*mockWorkOrder).block)

	// The producer finishing tells the consumer its input is complete, but
	// the consumer still has a work order in flight.
	assert.Equal(t, OperatorExecuted, qm.ProcessMessage(messages.WorkOrderComplete{OperatorIndex: scanIdx}))
	assert.Equal(t, []catalog.RelationID{scan.output}, sel.doneFeeding)
	assert.False(t, qm.QueryExecutionState().HasExecutionFinished(selIdx))

	assert.Equal(t, QueryExecuted, qm.ProcessMessage(messages.WorkOrderComplete{OperatorIndex: selIdx}))
	assert.Equal(t, 0, sel.callsAfterDone)
	require.NoError(t, qm.Close())
}

func TestPipelinedBlocksArriveInProductionOrder(t *testing.T) {
	plan := queryplan.New()
	scan := newMockOperator("scan", 1)
	scan.output = catalog.RelationID(0)
	sel := newMockOperator("select", 0)
	sel.streaming = true
	plan.AddRelationalOperator(scan)
	plan.AddRelationalOperator(sel)
	plan.AddDirectDependency(1, 0, false)

	qm := newTestQueryManager(t, plan, newTestQueryContext())
	for _, b := range []storage.BlockID{4, 2, 9} {
		qm.ProcessDataPipeline(0, b, scan.output, 0)
	}
	assert.Equal(t, []storage.BlockID{4, 2, 9}, sel.fed)

	runToCompletion(t, qm)
	assert.Equal(t, 1, sel.catalogUpdates)
}

func TestBlockingDependencyHoldsConsumerBack(t *testing.T) {
	plan := queryplan.New()
	build := newMockOperator("build_hash", 2)
	join := newMockOperator("hash_join", 3)
	buildIdx := plan.AddRelationalOperator(build)
	joinIdx := plan.AddRelationalOperator(join)
	plan.AddDirectDependency(joinIdx, buildIdx, true)

	qm := newTestQueryManager(t, plan, newTestQueryContext())
	assert.Equal(t, 2, qm.Container().NumNormalWorkOrders(buildIdx))
	assert.Equal(t, 0, join.getCalls)
	assert.Equal(t, 0, join.informCalls)

	first, _, ok := qm.GetNextWorkOrder(storage.NoNUMANode)
	require.True(t, ok)
	second, _, ok := qm.GetNextWorkOrder(storage.NoNUMANode)
	require.True(t, ok)
	require.Equal(t, buildIdx, first.OperatorIndex())
	require.Equal(t, buildIdx, second.OperatorIndex())

	_, _, ok = qm.GetNextWorkOrder(storage.NoNUMANode)
	assert.False(t, ok, "join must not be dispatched while build is running")

	qm.ProcessWorkOrderComplete(buildIdx)
	assert.Equal(t, 0, join.informCalls)
	assert.Equal(t, 0, qm.Container().NumNormalWorkOrders(joinIdx))

	qm.ProcessWorkOrderComplete(buildIdx)
	assert.True(t, qm.QueryExecutionState().HasExecutionFinished(buildIdx))
	assert.Equal(t, 1, join.informCalls)
	assert.Equal(t, 3, qm.Container().NumNormalWorkOrders(joinIdx))

	runToCompletion(t, qm)
	assert.Equal(t, 1, join.catalogUpdates)
}

func TestRebuildWithoutPartialBlocksFinishesImmediately(t *testing.T) {
	qctx := newTestQueryContext()
	qctx.SetSender(&messages.Recorder{})
	rel := qctx.Catalog().AddRelation("out", 2)

	plan := queryplan.New()
	op := newMockOperator("insert", 1)
	op.output = rel.ID()
	idx := plan.AddRelationalOperator(op)
	op.dest = qctx.AddInsertDestination(insertdest.New(qctx.Catalog(), qctx.Storage(), rel.ID(), idx, storage.NoNUMANode))

	qm := newTestQueryManager(t, plan, qctx)
	require.True(t, qm.QueryExecutionState().IsRebuildRequired(idx))

	_, _, ok := qm.GetNextWorkOrder(storage.NoNUMANode)
	require.True(t, ok)
	assert.Equal(t, QueryExecuted, qm.ProcessMessage(messages.WorkOrderComplete{OperatorIndex: idx}))
	assert.True(t, qm.QueryExecutionState().HasRebuildInitiated(idx))
	assert.Equal(t, 1, op.catalogUpdates)
}

func TestRebuildDrainsBeforeFinishing(t *testing.T) {
	qctx := newTestQueryContext()
	rec := &messages.Recorder{}
	qctx.SetSender(rec)
	rel := qctx.Catalog().AddRelation("out", 2)

	plan := queryplan.New()
	op := newMockOperator("insert", 1)
	op.output = rel.ID()
	idx := plan.AddRelationalOperator(op)
	dest := insertdest.New(qctx.Catalog(), qctx.Storage(), rel.ID(), idx, storage.NoNUMANode)
	op.dest = qctx.AddInsertDestination(dest)

	qm := newTestQueryManager(t, plan, qctx)
	_, _, ok := qm.GetNextWorkOrder(storage.NoNUMANode)
	require.True(t, ok)

	// What the dispatched work order would have written.
	require.NoError(t, dest.InsertTuples([]storage.Tuple{{3, 30}, {1, 10}}))
	for _, m := range rec.Messages() {
		qm.ProcessMessage(m)
	}
	rec.Reset()
	require.Equal(t, 1, rel.Blocks().Size())

	assert.Equal(t, QueryStatusNone, qm.ProcessMessage(messages.WorkOrderComplete{OperatorIndex: idx}))
	assert.True(t, qm.QueryExecutionState().HasRebuildInitiated(idx))
	assert.Equal(t, 1, qm.QueryExecutionState().NumRebuildWorkOrders(idx))
	assert.False(t, qm.QueryExecutionState().HasExecutionFinished(idx))

	wo, kind, ok := qm.GetNextWorkOrder(storage.NoNUMANode)
	require.True(t, ok)
	require.Equal(t, KindRebuild, kind)
	require.NoError(t, wo.Execute(context.Background()))
	require.Len(t, rec.Messages(), 1)
	assert.IsType(t, messages.DataPipeline{}, rec.Messages()[0])

	assert.Equal(t, QueryExecuted, qm.ProcessMessage(messages.RebuildWorkOrderComplete{OperatorIndex: idx}))
	assert.Equal(t, 1, op.catalogUpdates)

	block := qctx.Storage().Block(rel.Blocks().Snapshot()[0])
	assert.True(t, block.Rebuilt())
	assert.Equal(t, []storage.Tuple{{1, 10}, {3, 30}}, block.Tuples())
}

func TestDiamondFinishesEachOperatorOnce(t *testing.T) {
	plan := queryplan.New()
	ops := make([]*mockOperator, 4)
	for i := range ops {
		ops[i] = newMockOperator("op", 2)
		ops[i].output = catalog.RelationID(i)
		plan.AddRelationalOperator(ops[i])
	}
	plan.AddDirectDependency(1, 0, true)
	plan.AddDirectDependency(2, 0, false)
	plan.AddDirectDependency(3, 1, true)
	plan.AddDirectDependency(3, 2, true)

	qm := newTestQueryManager(t, plan, newTestQueryContext())
	runToCompletion(t, qm)

	for i, op := range ops {
		assert.Equal(t, 1, op.catalogUpdates, "operator %d", i)
		assert.Equal(t, 0, op.callsAfterDone, "operator %d", i)
	}
	assert.Equal(t, 1, ops[1].informCalls)
	assert.Equal(t, 1, ops[3].informCalls)
	assert.ElementsMatch(t, []catalog.RelationID{1, 2}, ops[3].doneFeeding)
	require.NoError(t, qm.Close())
}

func TestEmptyOperatorsFinishDuringConstruction(t *testing.T) {
	plan := queryplan.New()
	consumer := newMockOperator("consumer", 0)
	producer := newMockOperator("producer", 0)
	plan.AddRelationalOperator(consumer)
	plan.AddRelationalOperator(producer)
	plan.AddDirectDependency(0, 1, true)

	qm := newTestQueryManager(t, plan, newTestQueryContext())
	assert.True(t, qm.Done())
	assert.Equal(t, QueryExecuted, qm.QueryStatus(0))
}

func TestDeepChainDoesNotRecurse(t *testing.T) {
	const depth = 20000
	plan := queryplan.New()
	for i := range depth {
		plan.AddRelationalOperator(newMockOperator("op", 0))
		if i > 0 {
			plan.AddDirectDependency(i, i-1, true)
		}
	}
	qm := NewQueryManager(context.Background(), plan, newTestQueryContext(), Options{NumNUMANodes: 1})
	assert.True(t, qm.Done())
	assert.Equal(t, depth, qm.QueryExecutionState().NumOperatorsFinished())
}

func TestGetNextWorkOrderPrefersRequestedNode(t *testing.T) {
	plan := queryplan.New()
	op := newMockOperator("op", 2)
	op.nodes = [][]int{nil, {1}}
	idx := plan.AddRelationalOperator(op)
	qm := NewQueryManager(context.Background(), plan, newTestQueryContext(), Options{NumNUMANodes: 2})

	wo, _, ok := qm.GetNextWorkOrder(1)
	require.True(t, ok)
	assert.Equal(t, []int{1}, wo.PreferredNUMANodes())
	wo, _, ok = qm.GetNextWorkOrder(1)
	require.True(t, ok)
	assert.Empty(t, wo.PreferredNUMANodes())
	assert.Equal(t, 2, qm.QueryExecutionState().NumQueuedWorkOrders(idx))

	_, _, ok = qm.GetNextWorkOrder(5)
	assert.False(t, ok)
}

func TestProcessMessageRoutesAuxiliaryMessages(t *testing.T) {
	qctx := newTestQueryContext()
	rel := qctx.Catalog().AddRelation("r", 1)

	plan := queryplan.New()
	op := newMockOperator("op", 1)
	idx := plan.AddRelationalOperator(op)
	qm := newTestQueryManager(t, plan, qctx)

	fb := messages.Feedback{OperatorIndex: idx, Type: 9, Payload: []byte{1, 2}}
	assert.Equal(t, QueryStatusNone, qm.ProcessMessage(fb))
	assert.Equal(t, []messages.Feedback{fb}, op.feedback)

	assert.Equal(t, QueryStatusNone, qm.ProcessMessage(messages.CatalogRelationNewBlock{RelationID: rel.ID(), BlockID: 12}))
	assert.Equal(t, []storage.BlockID{12}, rel.Blocks().Snapshot())

	// Unknown relations are ignored.
	assert.Equal(t, QueryStatusNone, qm.ProcessMessage(messages.CatalogRelationNewBlock{RelationID: 77, BlockID: 1}))
}

func TestCloseReportsUndispatchedWork(t *testing.T) {
	plan := queryplan.New()
	plan.AddRelationalOperator(newMockOperator("op", 2))
	qm := newTestQueryManager(t, plan, newTestQueryContext())
	require.ErrorIs(t, qm.Close(), ErrPendingWorkOrders)
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "normal", KindNormal.String())
	assert.Equal(t, "rebuild", KindRebuild.String())
	assert.Equal(t, "query_executed", QueryExecuted.String())
	assert.Equal(t, "WorkOrderKind(7)", WorkOrderKind(7).String())
}
