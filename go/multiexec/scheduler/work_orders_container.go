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
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/multigres/multiexec/go/multiexec/relop"
)

// ErrPendingWorkOrders is returned by Close when work orders were never
// dispatched.
var ErrPendingWorkOrders = errors.New("work orders container closed with pending work orders")

// WorkOrdersContainer holds the work orders that were generated but not yet
// dispatched, per operator and per kind (normal or rebuild). Work orders are
// bucketed by the number of NUMA nodes they prefer.
//
// The container is not safe for concurrent use; only the dispatcher touches it.
type WorkOrdersContainer struct {
	numNUMANodes int
	normal       []*operatorWorkOrders
	rebuild      []*operatorWorkOrders
}

func NewWorkOrdersContainer(numOperators, numNUMANodes int) *WorkOrdersContainer {
	if numOperators <= 0 {
		panic(fmt.Sprintf("scheduler: work orders container needs at least one operator, got %d", numOperators))
	}
	if numNUMANodes <= 0 {
		panic(fmt.Sprintf("scheduler: work orders container needs at least one NUMA node, got %d", numNUMANodes))
	}
	c := &WorkOrdersContainer{
		numNUMANodes: numNUMANodes,
		normal:       make([]*operatorWorkOrders, numOperators),
		rebuild:      make([]*operatorWorkOrders, numOperators),
	}
	for i := range numOperators {
		c.normal[i] = newOperatorWorkOrders(numNUMANodes)
		c.rebuild[i] = newOperatorWorkOrders(numNUMANodes)
	}
	return c
}

func (c *WorkOrdersContainer) NumOperators() int { return len(c.normal) }

func (c *WorkOrdersContainer) NumNUMANodes() int { return c.numNUMANodes }

// AddNormalWorkOrder queues wo under the operator it belongs to.
func (c *WorkOrdersContainer) AddNormalWorkOrder(wo relop.WorkOrder) {
	c.slot(c.normal, wo.OperatorIndex()).add(wo)
}

func (c *WorkOrdersContainer) AddRebuildWorkOrder(wo relop.WorkOrder) {
	c.slot(c.rebuild, wo.OperatorIndex()).add(wo)
}

// GetNormalWorkOrder removes and returns a work order of op, or nil. NUMA
// agnostic work orders come first; preferSingleNode then decides whether
// single-node or multi-node ones are tried next.
func (c *WorkOrdersContainer) GetNormalWorkOrder(op int, preferSingleNode bool) relop.WorkOrder {
	return c.slot(c.normal, op).get(preferSingleNode)
}

func (c *WorkOrdersContainer) GetRebuildWorkOrder(op int, preferSingleNode bool) relop.WorkOrder {
	return c.slot(c.rebuild, op).get(preferSingleNode)
}

// GetNormalWorkOrderForNUMANode removes and returns a work order of op that
// prefers node, or nil.
func (c *WorkOrdersContainer) GetNormalWorkOrderForNUMANode(op, node int) relop.WorkOrder {
	c.checkNode(node)
	return c.slot(c.normal, op).getForNode(node)
}

func (c *WorkOrdersContainer) GetRebuildWorkOrderForNUMANode(op, node int) relop.WorkOrder {
	c.checkNode(node)
	return c.slot(c.rebuild, op).getForNode(node)
}

func (c *WorkOrdersContainer) HasNormalWorkOrder(op int) bool {
	return c.slot(c.normal, op).size() > 0
}

func (c *WorkOrdersContainer) HasRebuildWorkOrder(op int) bool {
	return c.slot(c.rebuild, op).size() > 0
}

func (c *WorkOrdersContainer) HasNormalWorkOrderForNUMANode(op, node int) bool {
	return c.NumNormalWorkOrdersForNUMANode(op, node) > 0
}

func (c *WorkOrdersContainer) HasRebuildWorkOrderForNUMANode(op, node int) bool {
	return c.NumRebuildWorkOrdersForNUMANode(op, node) > 0
}

func (c *WorkOrdersContainer) NumNormalWorkOrders(op int) int {
	return c.slot(c.normal, op).size()
}

func (c *WorkOrdersContainer) NumRebuildWorkOrders(op int) int {
	return c.slot(c.rebuild, op).size()
}

// NumNormalWorkOrdersForNUMANode counts work orders of op that prefer node,
// including multi-node ones listing it.
func (c *WorkOrdersContainer) NumNormalWorkOrdersForNUMANode(op, node int) int {
	c.checkNode(node)
	return c.slot(c.normal, op).sizeForNode(node)
}

func (c *WorkOrdersContainer) NumRebuildWorkOrdersForNUMANode(op, node int) int {
	c.checkNode(node)
	return c.slot(c.rebuild, op).sizeForNode(node)
}

// Close reports work orders that were never dispatched. Leftovers are a bug
// in the caller; they are logged and returned as an error.
func (c *WorkOrdersContainer) Close(logger *slog.Logger) error {
	var pending int
	for i := range c.normal {
		pending += c.normal[i].size() + c.rebuild[i].size()
	}
	if pending == 0 {
		return nil
	}
	logger.Error("work orders container closed with pending work orders", "pending", pending)
	return fmt.Errorf("%w: %d", ErrPendingWorkOrders, pending)
}

func (c *WorkOrdersContainer) slot(slots []*operatorWorkOrders, op int) *operatorWorkOrders {
	if op < 0 || op >= len(slots) {
		panic(fmt.Sprintf("scheduler: operator index %d out of range [0, %d)", op, len(slots)))
	}
	return slots[op]
}

func (c *WorkOrdersContainer) checkNode(node int) {
	if node < 0 || node >= c.numNUMANodes {
		panic(fmt.Sprintf("scheduler: NUMA node %d out of range [0, %d)", node, c.numNUMANodes))
	}
}

// operatorWorkOrders holds the three disjoint buckets of one operator.
type operatorWorkOrders struct {
	agnostic   fifo
	singleNode []fifo
	multiNode  []relop.WorkOrder
}

func newOperatorWorkOrders(numNUMANodes int) *operatorWorkOrders {
	return &operatorWorkOrders{singleNode: make([]fifo, numNUMANodes)}
}

func (o *operatorWorkOrders) add(wo relop.WorkOrder) {
	nodes := wo.PreferredNUMANodes()
	switch len(nodes) {
	case 0:
		o.agnostic.push(wo)
	case 1:
		if nodes[0] < 0 || nodes[0] >= len(o.singleNode) {
			panic(fmt.Sprintf("scheduler: NUMA node %d out of range [0, %d)", nodes[0], len(o.singleNode)))
		}
		o.singleNode[nodes[0]].push(wo)
	default:
		o.multiNode = append(o.multiNode, wo)
	}
}

func (o *operatorWorkOrders) get(preferSingleNode bool) relop.WorkOrder {
	if wo := o.agnostic.pop(); wo != nil {
		return wo
	}
	if preferSingleNode {
		if wo := o.popAnySingleNode(); wo != nil {
			return wo
		}
		return o.popMultiNode()
	}
	if wo := o.popMultiNode(); wo != nil {
		return wo
	}
	return o.popAnySingleNode()
}

// getForNode prefers the node's own queue, then the first multi-node work
// order that lists the node.
func (o *operatorWorkOrders) getForNode(node int) relop.WorkOrder {
	if wo := o.singleNode[node].pop(); wo != nil {
		return wo
	}
	for i, wo := range o.multiNode {
		if slices.Contains(wo.PreferredNUMANodes(), node) {
			o.multiNode = slices.Delete(o.multiNode, i, i+1)
			return wo
		}
	}
	return nil
}

func (o *operatorWorkOrders) popAnySingleNode() relop.WorkOrder {
	for i := range o.singleNode {
		if wo := o.singleNode[i].pop(); wo != nil {
			return wo
		}
	}
	return nil
}

func (o *operatorWorkOrders) popMultiNode() relop.WorkOrder {
	if len(o.multiNode) == 0 {
		return nil
	}
	wo := o.multiNode[0]
	o.multiNode[0] = nil
	o.multiNode = o.multiNode[1:]
	return wo
}

func (o *operatorWorkOrders) size() int {
	n := o.agnostic.len() + len(o.multiNode)
	for i := range o.singleNode {
		n += o.singleNode[i].len()
	}
	return n
}

func (o *operatorWorkOrders) sizeForNode(node int) int {
	n := o.singleNode[node].len()
	for _, wo := range o.multiNode {
		if slices.Contains(wo.PreferredNUMANodes(), node) {
			n++
		}
	}
	return n
}

// fifo is a queue of work orders.
type fifo struct {
	items []relop.WorkOrder
}

func (q *fifo) push(wo relop.WorkOrder) { q.items = append(q.items, wo) }

func (q *fifo) pop() relop.WorkOrder {
	if len(q.items) == 0 {
		return nil
	}
	wo := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return wo
}

func (q *fifo) len() int { return len(q.items) }
