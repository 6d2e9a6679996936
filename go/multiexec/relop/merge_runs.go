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
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/messages"
	"github.com/multigres/multiexec/go/multiexec/querycontext"
	"github.com/multigres/multiexec/go/multiexec/storage"
)

// FeedbackRunProduced is the feedback type a merge work order sends once it
// has written its output run.
const FeedbackRunProduced uint16 = 1

// MergeRunsOperator sorts its input by the first attribute with a multi-pass
// merge. The first pass sorts groups of up to fanIn input blocks into runs;
// every later pass merges up to fanIn runs into one. Runs report back through
// feedback, and the operator is done when a single run remains, which becomes
// the only block of the output relation.
type MergeRunsOperator struct {
	OperatorBase

	cat    *catalog.Catalog
	input  blockInput
	output catalog.RelationID
	fanIn  int

	pendingInput []storage.BlockID
	inputDone    bool
	runs         []storage.BlockID
	outstanding  int
	finalRun     storage.BlockID
	passes       int
}

func NewMergeRuns(cat *catalog.Catalog, input catalog.RelationID, inputIsStored bool, output catalog.RelationID, fanIn int) *MergeRunsOperator {
	if fanIn < 2 {
		panic(fmt.Sprintf("relop: merge fan-in must be at least 2, got %d", fanIn))
	}
	return &MergeRunsOperator{
		cat:      cat,
		input:    newBlockInput(input, inputIsStored),
		output:   output,
		fanIn:    fanIn,
		finalRun: storage.InvalidBlockID,
	}
}

func (op *MergeRunsOperator) Name() string { return "MergeRuns" }

func (op *MergeRunsOperator) GetAllWorkOrders(qctx *querycontext.QueryContext, sink WorkOrderSink) bool {
	if op.finalRun != storage.InvalidBlockID {
		return true
	}
	if !op.inputDone {
		blocks, exhausted := op.input.take(qctx.Catalog())
		op.pendingInput = append(op.pendingInput, blocks...)
		op.inputDone = exhausted
	}

	for len(op.pendingInput) >= op.fanIn || (op.inputDone && len(op.pendingInput) > 0) {
		n := min(op.fanIn, len(op.pendingInput))
		op.emit(qctx, sink, op.pendingInput[:n], true)
		op.pendingInput = op.pendingInput[n:]
	}
	for len(op.runs) >= op.fanIn {
		op.emit(qctx, sink, op.runs[:op.fanIn], false)
		op.runs = op.runs[op.fanIn:]
	}

	if !op.inputDone || op.outstanding > 0 {
		return false
	}
	switch len(op.runs) {
	case 0:
		return true
	case 1:
		op.finalRun = op.runs[0]
		op.runs = nil
		return true
	default:
		op.emit(qctx, sink, op.runs, false)
		op.runs = nil
		return false
	}
}

func (op *MergeRunsOperator) emit(qctx *querycontext.QueryContext, sink WorkOrderSink, blocks []storage.BlockID, firstPass bool) {
	op.outstanding++
	if !firstPass {
		op.passes++
	}
	sink.AddNormalWorkOrder(&MergeRunsWorkOrder{
		workOrderBase: newWorkOrderBase(op.opIndex, nil),
		inputs:        slices.Clone(blocks),
		firstPass:     firstPass,
		store:         qctx.Storage(),
		sender:        qctx.Sender(),
	})
}

func (op *MergeRunsOperator) ReceiveFeedbackMessage(msg FeedbackMessage) {
	if msg.Type != FeedbackRunProduced {
		op.OperatorBase.ReceiveFeedbackMessage(msg)
		return
	}
	run, _, err := decodeRunProduced(msg.Payload)
	if err != nil {
		panic(fmt.Sprintf("relop: malformed merge feedback: %v", err))
	}
	op.outstanding--
	op.runs = append(op.runs, run)
}

func (op *MergeRunsOperator) FeedInputBlock(block storage.BlockID, rel catalog.RelationID, _ int) {
	op.input.feed(rel, block)
}

func (op *MergeRunsOperator) FeedInputBlocks(rel catalog.RelationID, blocks []storage.BlockID) {
	op.input.feed(rel, blocks...)
}

func (op *MergeRunsOperator) DoneFeedingInputBlocks(rel catalog.RelationID) {
	op.OperatorBase.DoneFeedingInputBlocks(rel)
	op.input.done(rel)
}

func (op *MergeRunsOperator) OutputRelationID() catalog.RelationID { return op.output }

func (op *MergeRunsOperator) UpdateCatalogOnCompletion() {
	if op.finalRun != storage.InvalidBlockID {
		op.cat.Relation(op.output).Blocks().Append(op.finalRun)
	}
}

// MergePasses returns how many merge work orders ran after the first pass.
func (op *MergeRunsOperator) MergePasses() int { return op.passes }

// MergeRunsWorkOrder writes one sorted run from its inputs. In the first
// pass the inputs are unsorted relation blocks that stay in place; later
// inputs are runs, merged and then freed.
type MergeRunsWorkOrder struct {
	workOrderBase

	inputs    []storage.BlockID
	firstPass bool
	store     *storage.Manager
	sender    messages.Sender
}

func (wo *MergeRunsWorkOrder) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var out []storage.Tuple
	if wo.firstPass {
		for _, id := range wo.inputs {
			out = append(out, wo.store.Block(id).Tuples()...)
		}
		slices.SortStableFunc(out, storage.CompareFirstAttribute)
	} else {
		runs := make([][]storage.Tuple, len(wo.inputs))
		for i, id := range wo.inputs {
			runs[i] = wo.store.Block(id).Tuples()
		}
		out = mergeSortedRuns(runs)
	}

	run := wo.store.CreateBlockWithCapacity(max(len(out), 1), storage.NoNUMANode)
	for _, t := range out {
		if err := run.Insert(t); err != nil {
			return fmt.Errorf("writing merged run %d: %w", run.ID(), err)
		}
	}
	if !wo.firstPass {
		for _, id := range wo.inputs {
			wo.store.DeleteBlock(id)
		}
	}

	wo.sender.Send(messages.Feedback{
		OperatorIndex: wo.opIndex,
		Type:          FeedbackRunProduced,
		Payload:       encodeRunProduced(run.ID(), len(out)),
	})
	return nil
}

// Feedback payload fields.
const (
	runFieldBlock  protowire.Number = 1
	runFieldTuples protowire.Number = 2
)

func encodeRunProduced(run storage.BlockID, numTuples int) []byte {
	b := protowire.AppendTag(nil, runFieldBlock, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(run))
	b = protowire.AppendTag(b, runFieldTuples, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(numTuples))
}

func decodeRunProduced(b []byte) (storage.BlockID, int, error) {
	run, numTuples, sawRun := storage.InvalidBlockID, 0, false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return run, 0, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return run, 0, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return run, 0, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case runFieldBlock:
			run, sawRun = storage.BlockID(v), true
		case runFieldTuples:
			numTuples = int(v)
		}
	}
	if !sawRun {
		return run, 0, errors.New("missing run block field")
	}
	return run, numTuples, nil
}

// runCursor is the head of one run during a k-way merge.
type runCursor struct {
	run []storage.Tuple
	pos int
	idx int
}

type runHeap []*runCursor

func (h runHeap) Len() int { return len(h) }
func (h runHeap) Less(i, j int) bool {
	if c := storage.CompareFirstAttribute(h[i].run[h[i].pos], h[j].run[h[j].pos]); c != 0 {
		return c < 0
	}
	return h[i].idx < h[j].idx
}
func (h runHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *runHeap) Push(x any)   { *h = append(*h, x.(*runCursor)) }
func (h *runHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// mergeSortedRuns merges runs sorted by the first attribute. Ties keep run
// order, so the merge is stable.
func mergeSortedRuns(runs [][]storage.Tuple) []storage.Tuple {
	total := 0
	h := make(runHeap, 0, len(runs))
	for i, r := range runs {
		total += len(r)
		if len(r) > 0 {
			h = append(h, &runCursor{run: r, idx: i})
		}
	}
	heap.Init(&h)

	out := make([]storage.Tuple, 0, total)
	for h.Len() > 0 {
		c := h[0]
		out = append(out, c.run[c.pos])
		c.pos++
		if c.pos == len(c.run) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	return out
}
