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

package foreman

import (
	"context"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/insertdest"
	"github.com/multigres/multiexec/go/multiexec/querycontext"
	"github.com/multigres/multiexec/go/multiexec/queryplan"
	"github.com/multigres/multiexec/go/multiexec/relop"
	"github.com/multigres/multiexec/go/multiexec/storage"
	"github.com/multigres/multiexec/go/tools/dag"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type env struct {
	t     *testing.T
	cat   *catalog.Catalog
	store *storage.Manager
	qctx  *querycontext.QueryContext
	plan  *queryplan.QueryPlan
}

func newEnv(t *testing.T, blockCapacity int) *env {
	cat := catalog.New()
	store := storage.NewManager(blockCapacity)
	return &env{t: t, cat: cat, store: store, qctx: querycontext.New(cat, store), plan: queryplan.New()}
}

// stored creates a relation with one block per tuple list.
func (e *env) stored(name string, numAttributes int, blocks ...[]storage.Tuple) catalog.RelationID {
	rel := e.cat.AddRelation(name, numAttributes)
	for _, tuples := range blocks {
		b := e.store.CreateBlockWithCapacity(len(tuples), storage.NoNUMANode)
		for _, tup := range tuples {
			require.NoError(e.t, b.Insert(tup))
		}
		rel.Blocks().Append(b.ID())
	}
	return rel.ID()
}

// dest registers an insert destination for the next operator added.
func (e *env) dest(rel catalog.RelationID) querycontext.InsertDestinationID {
	return e.qctx.AddInsertDestination(insertdest.New(e.cat, e.store, rel, e.plan.NumOperators(), storage.NoNUMANode))
}

func (e *env) tuples(rel catalog.RelationID) []storage.Tuple {
	var out []storage.Tuple
	for _, id := range e.cat.Relation(rel).Blocks().Snapshot() {
		out = append(out, e.store.Block(id).Tuples()...)
	}
	slices.SortFunc(out, func(a, b storage.Tuple) int { return slices.Compare(a, b) })
	return out
}

func newForeman(t *testing.T, cfg Config, opts ...Option) *Foreman {
	t.Helper()
	f, err := New(cfg, opts...)
	require.NoError(t, err)
	return f
}

func TestSelectOverStoredRelation(t *testing.T) {
	e := newEnv(t, 4)
	in := e.stored("in", 2,
		[]storage.Tuple{{1, 10}, {2, 20}, {3, 30}},
		[]storage.Tuple{{4, 40}, {5, 50}},
		[]storage.Tuple{{6, 60}},
	)
	out := e.cat.AddRelation("out", 1).ID()
	dest := e.dest(out)
	pred := e.qctx.AddPredicate(func(t storage.Tuple) bool { return t[0]%2 == 0 })
	proj := e.qctx.AddProjection(func(t storage.Tuple) storage.Tuple { return storage.Tuple{t[1]} })
	e.plan.AddRelationalOperator(relop.NewSelect(in, true, out, dest, pred, proj))

	res, err := newForeman(t, Config{NumWorkers: 2, MinLoadPerWorker: 2}).Run(context.Background(), e.plan, e.qctx)
	require.NoError(t, err)
	assert.Equal(t, []storage.Tuple{{20}, {40}, {60}}, e.tuples(out))
	assert.Equal(t, 3, res.WorkOrders)
	assert.Positive(t, res.RebuildWorkOrders)
	assert.Equal(t, e.qctx.QueryID(), res.QueryID)
}

func TestPipelinedInsertIntoSelect(t *testing.T) {
	e := newEnv(t, 2)
	staged := e.cat.AddRelation("staged", 2).ID()
	final := e.cat.AddRelation("final", 2).ID()

	var rows []storage.Tuple
	for i := range 9 {
		rows = append(rows, storage.Tuple{int64(i), int64(i * i)})
	}
	insert := e.plan.AddRelationalOperator(relop.NewInsert(staged, e.dest(staged), rows))
	pred := e.qctx.AddPredicate(func(t storage.Tuple) bool { return t[0] >= 3 })
	sel := e.plan.AddRelationalOperator(relop.NewSelect(staged, false, final, e.dest(final), pred, querycontext.InvalidProjectionID))
	e.plan.AddDirectDependency(sel, insert, false)

	res, err := newForeman(t, Config{NumWorkers: 3, NumNUMANodes: 2, MinLoadPerWorker: 1}).Run(context.Background(), e.plan, e.qctx)
	require.NoError(t, err)
	assert.Equal(t, rows[3:], e.tuples(final))
	assert.Equal(t, rows, e.tuples(staged))
	assert.Positive(t, res.RebuildWorkOrders)
}

func TestHashJoinAndDestroy(t *testing.T) {
	e := newEnv(t, 8)
	build := e.stored("dim", 2, []storage.Tuple{{1, 100}, {2, 200}}, []storage.Tuple{{3, 300}})
	probe := e.stored("fact", 2, []storage.Tuple{{7, 1}, {8, 3}}, []storage.Tuple{{9, 1}, {10, 4}})
	out := e.cat.AddRelation("joined", 4).ID()
	ht := querycontext.NewJoinHashTable()
	htID := e.qctx.AddJoinHashTable(ht)

	b := e.plan.AddRelationalOperator(relop.NewBuildHash(build, true, htID, 0))
	j := e.plan.AddRelationalOperator(relop.NewHashJoin(probe, true, out, e.dest(out), htID, 1))
	d := e.plan.AddRelationalOperator(relop.NewDestroyHash(htID))
	e.plan.AddDirectDependency(j, b, true)
	e.plan.AddDirectDependency(d, j, true)

	_, err := newForeman(t, Config{NumWorkers: 2}).Run(context.Background(), e.plan, e.qctx)
	require.NoError(t, err)
	assert.Equal(t, []storage.Tuple{
		{1, 100, 7, 1},
		{1, 100, 9, 1},
		{3, 300, 8, 3},
	}, e.tuples(out))
	assert.True(t, ht.Destroyed())
}

func TestMergeRunsThroughFeedback(t *testing.T) {
	e := newEnv(t, 8)
	in := e.stored("unsorted", 1,
		[]storage.Tuple{{9}, {4}},
		[]storage.Tuple{{7}, {1}},
		[]storage.Tuple{{3}, {8}},
		[]storage.Tuple{{0}, {6}},
		[]storage.Tuple{{5}, {2}},
	)
	out := e.cat.AddRelation("sorted", 1).ID()
	e.plan.AddRelationalOperator(relop.NewMergeRuns(e.cat, in, true, out, 2))

	_, err := newForeman(t, Config{NumWorkers: 2}).Run(context.Background(), e.plan, e.qctx)
	require.NoError(t, err)
	blocks := e.cat.Relation(out).Blocks().Snapshot()
	require.Len(t, blocks, 1)
	got := e.store.Block(blocks[0]).Tuples()
	assert.Equal(t, []storage.Tuple{{0}, {1}, {2}, {3}, {4}, {5}, {6}, {7}, {8}, {9}}, got)
}

func TestDropAfterReaders(t *testing.T) {
	e := newEnv(t, 4)
	src := e.cat.AddRelation("src", 1).ID()
	out1 := e.cat.AddRelation("copy1", 1).ID()
	out2 := e.cat.AddRelation("copy2", 1).ID()

	producer := e.plan.AddRelationalOperator(relop.NewInsert(src, e.dest(src), []storage.Tuple{{1}, {2}, {3}}))
	reader1 := e.plan.AddRelationalOperator(relop.NewSelect(src, true, out1, e.dest(out1), querycontext.InvalidPredicateID, querycontext.InvalidProjectionID))
	reader2 := e.plan.AddRelationalOperator(relop.NewSelect(src, true, out2, e.dest(out2), querycontext.InvalidPredicateID, querycontext.InvalidProjectionID))
	e.plan.AddDirectDependency(reader1, producer, true)
	e.plan.AddDirectDependency(reader2, producer, true)
	drop := e.plan.AddRelationalOperator(relop.NewDropTable(e.cat, src, false))
	e.plan.AddDependenciesForDropOperator(drop, producer)
	require.False(t, e.plan.DAG().HasEdge(producer, drop))

	_, err := newForeman(t, Config{NumWorkers: 2}).Run(context.Background(), e.plan, e.qctx)
	require.NoError(t, err)
	assert.Equal(t, []storage.Tuple{{1}, {2}, {3}}, e.tuples(out1))
	assert.Equal(t, []storage.Tuple{{1}, {2}, {3}}, e.tuples(out2))
	_, ok := e.cat.LookupRelation(src)
	assert.False(t, ok)
	live := e.cat.Relation(out1).Blocks().Size() + e.cat.Relation(out2).Blocks().Size()
	assert.Equal(t, live, e.store.NumBlocks(), "blocks of the dropped relation are freed")
}

func TestWorkOrderFailureAbortsQuery(t *testing.T) {
	e := newEnv(t, 4)
	out := e.cat.AddRelation("narrow", 2).ID()
	e.plan.AddRelationalOperator(relop.NewInsert(out, e.dest(out), []storage.Tuple{{1, 2, 3}}))

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	f := newForeman(t, Config{NumWorkers: 1}, WithTracer(provider.Tracer("test")))
	var hooked atomic.Pointer[Result]
	f.OnQueryComplete(func(r *Result) { hooked.Store(r) })

	res, err := f.Run(context.Background(), e.plan, e.qctx)
	require.ErrorIs(t, err, ErrWorkOrderFailed)
	assert.ErrorIs(t, err, insertdest.ErrTupleWidth)
	assert.Contains(t, err.Error(), "Insert")
	require.NotNil(t, hooked.Load())
	assert.Same(t, res, hooked.Load())
	assert.ErrorIs(t, hooked.Load().Err, ErrWorkOrderFailed)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "query.execute", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

// blockingOperator emits one work order that waits for cancellation.
type blockingOperator struct {
	relop.OperatorBase
	started   chan struct{}
	generated bool
}

func (o *blockingOperator) Name() string { return "Blocking" }

func (o *blockingOperator) GetAllWorkOrders(_ *querycontext.QueryContext, sink relop.WorkOrderSink) bool {
	if !o.generated {
		sink.AddNormalWorkOrder(&blockingWorkOrder{op: o.OperatorIndex(), started: o.started})
		o.generated = true
	}
	return true
}

type blockingWorkOrder struct {
	op      int
	started chan struct{}
}

func (w *blockingWorkOrder) Execute(ctx context.Context) error {
	close(w.started)
	<-ctx.Done()
	return ctx.Err()
}

func (w *blockingWorkOrder) PreferredNUMANodes() []int { return nil }
func (w *blockingWorkOrder) OperatorIndex() int        { return w.op }

func TestCancellationStopsQuery(t *testing.T) {
	e := newEnv(t, 4)
	op := &blockingOperator{started: make(chan struct{})}
	e.plan.AddRelationalOperator(op)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := newForeman(t, Config{NumWorkers: 1}).Run(ctx, e.plan, e.qctx)
		errCh <- err
	}()

	<-op.started
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

// idleOperator never produces work and never completes.
type idleOperator struct {
	relop.OperatorBase
}

func (o *idleOperator) Name() string { return "Idle" }

func (o *idleOperator) GetAllWorkOrders(*querycontext.QueryContext, relop.WorkOrderSink) bool {
	return false
}

func TestStalledQueryIsReported(t *testing.T) {
	e := newEnv(t, 4)
	e.plan.AddRelationalOperator(&idleOperator{})
	_, err := newForeman(t, Config{NumWorkers: 1}).Run(context.Background(), e.plan, e.qctx)
	require.ErrorIs(t, err, ErrStalled)
}

func TestInvalidPlans(t *testing.T) {
	f := newForeman(t, Config{NumWorkers: 1})

	e := newEnv(t, 4)
	_, err := f.Run(context.Background(), e.plan, e.qctx)
	require.ErrorIs(t, err, ErrEmptyPlan)

	a := e.plan.AddRelationalOperator(&idleOperator{})
	b := e.plan.AddRelationalOperator(&idleOperator{})
	e.plan.AddDirectDependency(a, b, true)
	e.plan.AddDirectDependency(b, a, false)
	_, err = f.Run(context.Background(), e.plan, e.qctx)
	require.ErrorIs(t, err, dag.ErrCycle)

	_, err = New(Config{})
	require.Error(t, err)
}
