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

// Package scheduler drives the execution of one query plan: it pulls work
// orders out of operators, tracks their completion, streams blocks between
// pipelined operators and runs the rebuild pass of operators that write
// through an insert destination.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/messages"
	"github.com/multigres/multiexec/go/multiexec/querycontext"
	"github.com/multigres/multiexec/go/multiexec/queryplan"
	"github.com/multigres/multiexec/go/multiexec/relop"
	"github.com/multigres/multiexec/go/multiexec/storage"
	"github.com/multigres/multiexec/go/tools/dag"
)

// WorkOrderKind tells normal work orders from rebuild work orders.
type WorkOrderKind int

const (
	KindNormal WorkOrderKind = iota
	KindRebuild
)

func (k WorkOrderKind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindRebuild:
		return "rebuild"
	default:
		return fmt.Sprintf("WorkOrderKind(%d)", int(k))
	}
}

// QueryStatusCode is what a processed message meant for the query.
type QueryStatusCode int

const (
	// QueryStatusNone means nothing finished.
	QueryStatusNone QueryStatusCode = iota
	// OperatorExecuted means the operator named by the message finished.
	OperatorExecuted
	// QueryExecuted means every operator finished. It takes precedence over
	// OperatorExecuted.
	QueryExecuted
)

func (c QueryStatusCode) String() string {
	switch c {
	case QueryStatusNone:
		return "none"
	case OperatorExecuted:
		return "operator_executed"
	case QueryExecuted:
		return "query_executed"
	default:
		return fmt.Sprintf("QueryStatusCode(%d)", int(c))
	}
}

// Options configures a QueryManager.
type Options struct {
	// NumNUMANodes is the number of NUMA nodes work orders may prefer.
	NumNUMANodes int
	// PreferSingleNUMANode breaks ties between single-node and multi-node
	// work orders when dispatching without a node.
	PreferSingleNUMANode bool
	Logger               *slog.Logger
	Metrics              *Metrics
}

// pendingOperator is an entry of the re-evaluation work list.
type pendingOperator struct {
	index   int
	cascade bool
}

// QueryManager is the scheduler of a single query. It is driven by one
// dispatcher goroutine and has no internal locking.
type QueryManager struct {
	ctx     context.Context
	logger  *slog.Logger
	metrics *Metrics

	qctx                 *querycontext.QueryContext
	graph                *dag.DAG[relop.Operator, bool]
	preferSingleNUMANode bool

	state     *ExecutionState
	container *WorkOrdersContainer

	// outputConsumers[p] lists operators fed by p over pipelining edges.
	outputConsumers [][]int
	// blockingDependencies[c] lists producers c waits for over blocking edges.
	blockingDependencies [][]int

	worklist   []pendingOperator
	startTimes []time.Time
}

// NewQueryManager prepares plan for execution and generates the first work
// orders. The plan must be acyclic and non-empty.
func NewQueryManager(ctx context.Context, plan *queryplan.QueryPlan, qctx *querycontext.QueryContext, opts Options) *QueryManager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics, _ = NewMetrics(nil, logger)
	}
	numNodes := max(opts.NumNUMANodes, 1)

	g := plan.DAG()
	n := g.Size()
	qm := &QueryManager{
		ctx:                  ctx,
		logger:               logger.With("query_id", qctx.QueryID().String()),
		metrics:              metrics,
		qctx:                 qctx,
		graph:                g,
		preferSingleNUMANode: opts.PreferSingleNUMANode,
		state:                NewExecutionState(n),
		container:            NewWorkOrdersContainer(n, numNodes),
		outputConsumers:      make([][]int, n),
		blockingDependencies: make([][]int, n),
		startTimes:           make([]time.Time, n),
	}

	for i := range n {
		if g.Payload(i).InsertDestinationID() != querycontext.InvalidInsertDestinationID {
			qm.state.SetRebuildRequired(i)
		}
		for _, l := range g.Dependents(i) {
			if l.Metadata {
				qm.blockingDependencies[l.To] = append(qm.blockingDependencies[l.To], i)
			} else {
				qm.outputConsumers[i] = append(qm.outputConsumers[i], l.To)
			}
		}
	}

	for i := range n {
		if qm.state.HasExecutionFinished(i) || !qm.checkAllBlockingDependenciesMet(i) {
			continue
		}
		g.Payload(i).InformAllBlockingDependenciesMet()
		qm.schedule(i, true)
		qm.drain()
	}
	return qm
}

// ProcessMessage applies one message and reports what it meant for the
// query. Failure messages are handled by the dispatcher and never reach the
// manager.
func (qm *QueryManager) ProcessMessage(msg messages.Message) QueryStatusCode {
	switch m := msg.(type) {
	case messages.WorkOrderComplete:
		qm.ProcessWorkOrderComplete(m.OperatorIndex)
		return qm.QueryStatus(m.OperatorIndex)
	case messages.RebuildWorkOrderComplete:
		qm.ProcessRebuildWorkOrderComplete(m.OperatorIndex)
		return qm.QueryStatus(m.OperatorIndex)
	case messages.DataPipeline:
		qm.ProcessDataPipeline(m.OperatorIndex, m.BlockID, m.RelationID, m.PartitionID)
		return qm.QueryStatus(m.OperatorIndex)
	case messages.Feedback:
		qm.ProcessFeedback(m)
		return qm.QueryStatus(m.OperatorIndex)
	case messages.CatalogRelationNewBlock:
		qm.ProcessCatalogRelationNewBlock(m.RelationID, m.BlockID)
		if qm.state.HasQueryExecutionFinished() {
			return QueryExecuted
		}
		return QueryStatusNone
	default:
		panic(fmt.Sprintf("scheduler: unexpected message %T", msg))
	}
}

// QueryStatus reports whether the query, or else op, has finished.
func (qm *QueryManager) QueryStatus(op int) QueryStatusCode {
	if qm.state.HasQueryExecutionFinished() {
		return QueryExecuted
	}
	if qm.state.HasExecutionFinished(op) {
		return OperatorExecuted
	}
	return QueryStatusNone
}

// ProcessWorkOrderComplete accounts for a finished normal work order of op,
// fetches whatever op can now produce, finishes op (directly or through its
// rebuild) when possible, and re-evaluates its ready dependents.
func (qm *QueryManager) ProcessWorkOrderComplete(op int) {
	qm.state.DecrementQueuedWorkOrders(op)
	qm.metrics.workOrdersCompleted.Add(qm.ctx, 1, KindNormal, qm.name(op))

	qm.fetchNormalWorkOrders(op)

	if qm.state.IsRebuildRequired(op) {
		if qm.checkNormalExecutionOver(op) {
			if !qm.state.HasRebuildInitiated(op) {
				if qm.initiateRebuild(op) {
					qm.markOperatorFinished(op)
				}
			} else if qm.checkRebuildOver(op) {
				qm.markOperatorFinished(op)
			}
		}
	} else if qm.checkNormalExecutionOver(op) {
		qm.markOperatorFinished(op)
	}

	qm.scheduleReadyDependents(op)
	qm.drain()
}

// ProcessRebuildWorkOrderComplete accounts for a finished rebuild work order
// of op and finishes op once its rebuild is over.
func (qm *QueryManager) ProcessRebuildWorkOrderComplete(op int) {
	qm.state.DecrementNumRebuildWorkOrders(op)
	qm.metrics.workOrdersCompleted.Add(qm.ctx, 1, KindRebuild, qm.name(op))

	if qm.checkRebuildOver(op) {
		qm.markOperatorFinished(op)
		qm.scheduleReadyDependents(op)
		qm.drain()
	}
}

// ProcessDataPipeline streams block to every pipelining consumer of op and
// immediately asks each of them for new work orders.
func (qm *QueryManager) ProcessDataPipeline(op int, block storage.BlockID, rel catalog.RelationID, partition int) {
	for _, consumer := range qm.outputConsumers[op] {
		qm.graph.Payload(consumer).FeedInputBlock(block, rel, partition)
		qm.fetchNormalWorkOrders(consumer)
	}
}

// ProcessFeedback hands msg to the operator it is addressed to.
func (qm *QueryManager) ProcessFeedback(msg relop.FeedbackMessage) {
	qm.graph.Payload(msg.OperatorIndex).ReceiveFeedbackMessage(msg)
}

// ProcessCatalogRelationNewBlock records a block created by an insert
// destination in its relation's block list.
func (qm *QueryManager) ProcessCatalogRelationNewBlock(rel catalog.RelationID, block storage.BlockID) {
	r, ok := qm.qctx.Catalog().LookupRelation(rel)
	if !ok {
		qm.logger.Warn("new block for unknown relation", "relation", rel, "block", block)
		return
	}
	r.Blocks().Append(block)
}

// GetNextWorkOrder picks the next work order to dispatch. With a NUMA node,
// each ready operator is first asked for normal then rebuild work preferring
// that node, then for any normal then any rebuild work. Dispatching a normal
// work order counts it as queued; rebuild work orders are already counted.
func (qm *QueryManager) GetNextWorkOrder(numaNode int) (relop.WorkOrder, WorkOrderKind, bool) {
	if numaNode < 0 || numaNode >= qm.container.NumNUMANodes() {
		numaNode = storage.NoNUMANode
	}
	for i := range qm.state.NumOperators() {
		if qm.state.HasExecutionFinished(i) || !qm.checkAllBlockingDependenciesMet(i) {
			continue
		}
		if numaNode != storage.NoNUMANode {
			if wo := qm.container.GetNormalWorkOrderForNUMANode(i, numaNode); wo != nil {
				return qm.dispatched(i, wo, KindNormal)
			}
			if wo := qm.container.GetRebuildWorkOrderForNUMANode(i, numaNode); wo != nil {
				return qm.dispatched(i, wo, KindRebuild)
			}
		}
		if wo := qm.container.GetNormalWorkOrder(i, qm.preferSingleNUMANode); wo != nil {
			return qm.dispatched(i, wo, KindNormal)
		}
		if wo := qm.container.GetRebuildWorkOrder(i, qm.preferSingleNUMANode); wo != nil {
			return qm.dispatched(i, wo, KindRebuild)
		}
	}
	return nil, KindNormal, false
}

func (qm *QueryManager) dispatched(op int, wo relop.WorkOrder, kind WorkOrderKind) (relop.WorkOrder, WorkOrderKind, bool) {
	if kind == KindNormal {
		qm.state.IncrementQueuedWorkOrders(op)
	}
	qm.metrics.workOrdersDispatched.Add(qm.ctx, 1, kind, qm.name(op))
	return wo, kind, true
}

// Done reports whether every operator finished.
func (qm *QueryManager) Done() bool { return qm.state.HasQueryExecutionFinished() }

// QueryExecutionState exposes the bookkeeping for inspection.
func (qm *QueryManager) QueryExecutionState() *ExecutionState { return qm.state }

// Container exposes the pending work orders for inspection.
func (qm *QueryManager) Container() *WorkOrdersContainer { return qm.container }

// Close reports work orders that were generated but never dispatched.
func (qm *QueryManager) Close() error { return qm.container.Close(qm.logger) }

func (qm *QueryManager) schedule(op int, cascade bool) {
	qm.worklist = append(qm.worklist, pendingOperator{index: op, cascade: cascade})
}

// drain re-evaluates queued operators until none is left. Re-evaluating an
// operator may queue its dependents, so cascades run iteratively.
func (qm *QueryManager) drain() {
	for len(qm.worklist) > 0 {
		p := qm.worklist[0]
		qm.worklist = qm.worklist[1:]
		qm.processOperator(p.index, p.cascade)
	}
}

func (qm *QueryManager) scheduleReadyDependents(op int) {
	for _, l := range qm.graph.Dependents(op) {
		if !qm.state.HasExecutionFinished(l.To) && qm.checkAllBlockingDependenciesMet(l.To) {
			qm.schedule(l.To, true)
		}
	}
}

func (qm *QueryManager) processOperator(op int, cascade bool) {
	if qm.state.HasExecutionFinished(op) {
		return
	}
	if qm.fetchNormalWorkOrders(op) {
		return
	}
	if !qm.checkNormalExecutionOver(op) {
		return
	}

	if qm.state.IsRebuildRequired(op) {
		if !qm.state.HasRebuildInitiated(op) {
			if !qm.initiateRebuild(op) {
				return
			}
			qm.markOperatorFinished(op)
		} else if qm.checkRebuildOver(op) {
			qm.markOperatorFinished(op)
		}
	} else {
		qm.markOperatorFinished(op)
	}

	if cascade {
		qm.scheduleReadyDependents(op)
	}
}

// fetchNormalWorkOrders asks op for work orders and reports whether any new
// one was added.
func (qm *QueryManager) fetchNormalWorkOrders(op int) bool {
	if qm.state.HasDoneGenerationWorkOrders(op) || !qm.checkAllBlockingDependenciesMet(op) {
		return false
	}
	if qm.startTimes[op].IsZero() {
		qm.startTimes[op] = time.Now()
	}

	before := qm.container.NumNormalWorkOrders(op)
	if qm.graph.Payload(op).GetAllWorkOrders(qm.qctx, qm.container) {
		qm.state.SetDoneGenerationWorkOrders(op)
		qm.logger.Debug("operator done generating work orders", "operator", op, "name", qm.name(op))
	}
	generated := qm.container.NumNormalWorkOrders(op) - before
	if generated > 0 {
		qm.metrics.workOrdersGenerated.Add(qm.ctx, int64(generated), KindNormal, qm.name(op))
	}
	return generated > 0
}

// initiateRebuild queues one rebuild work order per partially filled block
// of op's insert destination and reports whether there was nothing to do.
func (qm *QueryManager) initiateRebuild(op int) bool {
	o := qm.graph.Payload(op)
	dest := qm.qctx.InsertDestination(o.InsertDestinationID())
	for _, b := range dest.PartiallyFilledBlocks() {
		qm.container.AddRebuildWorkOrder(relop.NewRebuildWorkOrder(op, b, o.OutputRelationID(), qm.qctx.Sender()))
	}
	n := qm.container.NumRebuildWorkOrders(op)
	qm.state.SetRebuildStatus(op, n, true)
	if n > 0 {
		qm.metrics.workOrdersGenerated.Add(qm.ctx, int64(n), KindRebuild, qm.name(op))
	}
	qm.logger.Debug("rebuild initiated", "operator", op, "name", qm.name(op), "rebuild_work_orders", n)
	return n == 0
}

func (qm *QueryManager) markOperatorFinished(op int) {
	qm.state.SetExecutionFinished(op)

	o := qm.graph.Payload(op)
	o.UpdateCatalogOnCompletion()

	outputRel := o.OutputRelationID()
	for _, l := range qm.graph.Dependents(op) {
		dependent := qm.graph.Payload(l.To)
		if outputRel.IsValid() {
			dependent.DoneFeedingInputBlocks(outputRel)
		}
		if qm.checkAllBlockingDependenciesMet(l.To) {
			dependent.InformAllBlockingDependenciesMet()
		}
	}

	qm.metrics.operatorsFinished.Add(qm.ctx, qm.name(op))
	var elapsed time.Duration
	if !qm.startTimes[op].IsZero() {
		elapsed = time.Since(qm.startTimes[op])
		qm.metrics.operatorDuration.Record(qm.ctx, elapsed, qm.name(op))
	}
	qm.logger.Debug("operator finished", "operator", op, "name", qm.name(op), "elapsed", elapsed)
}

func (qm *QueryManager) checkAllBlockingDependenciesMet(op int) bool {
	for _, dep := range qm.blockingDependencies[op] {
		if !qm.state.HasExecutionFinished(dep) {
			return false
		}
	}
	return true
}

func (qm *QueryManager) checkAllDependenciesFinished(op int) bool {
	for _, dep := range qm.graph.Dependencies(op) {
		if !qm.state.HasExecutionFinished(dep) {
			return false
		}
	}
	return true
}

// checkNormalExecutionOver reports whether op generated and ran all its
// normal work orders after every producer, pipelining or not, finished.
func (qm *QueryManager) checkNormalExecutionOver(op int) bool {
	return qm.checkAllDependenciesFinished(op) &&
		!qm.container.HasNormalWorkOrder(op) &&
		qm.state.NumQueuedWorkOrders(op) == 0 &&
		qm.state.HasDoneGenerationWorkOrders(op)
}

func (qm *QueryManager) checkRebuildOver(op int) bool {
	return qm.state.HasRebuildInitiated(op) &&
		!qm.container.HasRebuildWorkOrder(op) &&
		qm.state.NumRebuildWorkOrders(op) == 0
}

func (qm *QueryManager) name(op int) string { return qm.graph.Payload(op).Name() }
