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

package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/multigres/multiexec/go/multiexec/messages"
	"github.com/multigres/multiexec/go/multiexec/scheduler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type funcWorkOrder struct {
	op int
	fn func(ctx context.Context) error
}

func (w *funcWorkOrder) Execute(ctx context.Context) error {
	if w.fn == nil {
		return nil
	}
	return w.fn(ctx)
}

func (w *funcWorkOrder) PreferredNUMANodes() []int { return nil }
func (w *funcWorkOrder) OperatorIndex() int        { return w.op }

func TestPoolReportsOutcomes(t *testing.T) {
	rec := &messages.Recorder{}
	pool := NewPool(Config{NumWorkers: 2, NumNUMANodes: 1, QueueDepth: 4}, rec, nil)
	pool.Start(context.Background())

	boom := errors.New("boom")
	require.NoError(t, pool.Assign(0, Assignment{WorkOrder: &funcWorkOrder{op: 3}, Kind: scheduler.KindNormal}))
	require.NoError(t, pool.Assign(1, Assignment{WorkOrder: &funcWorkOrder{op: 4}, Kind: scheduler.KindRebuild}))
	require.NoError(t, pool.Assign(0, Assignment{
		WorkOrder: &funcWorkOrder{op: 5, fn: func(context.Context) error { return boom }},
		Kind:      scheduler.KindNormal,
	}))
	assert.Equal(t, 2, pool.Directory().NumQueued(0))
	assert.Equal(t, 1, pool.Directory().NumQueued(1))

	require.NoError(t, pool.Stop())
	assert.ElementsMatch(t, []messages.Message{
		messages.WorkOrderComplete{OperatorIndex: 3, WorkerIndex: 0},
		messages.RebuildWorkOrderComplete{OperatorIndex: 4, WorkerIndex: 1},
		messages.WorkOrderFailed{OperatorIndex: 5, WorkerIndex: 0, Err: boom},
	}, rec.Messages())
}

func TestWorkerKeepsAssignmentOrder(t *testing.T) {
	rec := &messages.Recorder{}
	pool := NewPool(Config{NumWorkers: 1, QueueDepth: 8}, rec, nil)
	pool.Start(context.Background())
	for op := range 8 {
		require.NoError(t, pool.Assign(0, Assignment{WorkOrder: &funcWorkOrder{op: op}}))
	}
	require.NoError(t, pool.Stop())

	var ops []int
	for _, m := range rec.Messages() {
		ops = append(ops, m.(messages.WorkOrderComplete).OperatorIndex)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, ops)
}

func TestWorkOrdersSeeCancellation(t *testing.T) {
	rec := &messages.Recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := NewPool(Config{NumWorkers: 1}, rec, nil)
	pool.Start(ctx)
	require.NoError(t, pool.Assign(0, Assignment{WorkOrder: &funcWorkOrder{fn: func(ctx context.Context) error { return ctx.Err() }}}))
	require.NoError(t, pool.Stop())

	require.Len(t, rec.Messages(), 1)
	failed, ok := rec.Messages()[0].(messages.WorkOrderFailed)
	require.True(t, ok)
	assert.ErrorIs(t, failed.Err, context.Canceled)
}

func TestAssignAfterStop(t *testing.T) {
	pool := NewPool(Config{NumWorkers: 1}, &messages.Recorder{}, nil)
	pool.Start(context.Background())
	require.NoError(t, pool.Stop())
	require.NoError(t, pool.Stop())
	assert.ErrorIs(t, pool.Assign(0, Assignment{WorkOrder: &funcWorkOrder{}}), ErrStopped)
}

func TestPoolPlacesWorkersRoundRobin(t *testing.T) {
	pool := NewPool(Config{NumWorkers: 3, NumNUMANodes: 2}, &messages.Recorder{}, nil)
	assert.Equal(t, 3, pool.Size())
	assert.Equal(t, []int{0, 1, 0}, []int{pool.Worker(0).NUMANode(), pool.Worker(1).NUMANode(), pool.Worker(2).NUMANode()})
	assert.Equal(t, 1, pool.Directory().NUMANode(1))
	require.NoError(t, pool.Stop())

	assert.Panics(t, func() { NewPool(Config{}, &messages.Recorder{}, nil) })
}

func TestDirectory(t *testing.T) {
	d := NewDirectory([]int{0, 0, 1})
	w, q := d.LeastLoaded()
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, q)

	d.IncrementQueued(0)
	d.IncrementQueued(1)
	d.IncrementQueued(1)
	w, q = d.LeastLoaded()
	assert.Equal(t, 2, w)
	assert.Equal(t, 0, q)
	assert.Equal(t, 3, d.TotalQueued())

	d.DecrementQueued(0)
	assert.Equal(t, 0, d.NumQueued(0))
	assert.Panics(t, func() { d.DecrementQueued(0) })
	assert.Panics(t, func() { d.IncrementQueued(3) })

	empty := NewDirectory(nil)
	w, _ = empty.LeastLoaded()
	assert.Equal(t, -1, w)
}
