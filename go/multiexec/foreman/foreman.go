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

// Package foreman runs a query plan to completion. A single dispatcher
// goroutine owns the query manager: it feeds it the messages workers send
// back and hands the work orders it releases to the least loaded workers.
package foreman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/multiexec/go/multiexec/messages"
	"github.com/multigres/multiexec/go/multiexec/querycontext"
	"github.com/multigres/multiexec/go/multiexec/queryplan"
	"github.com/multigres/multiexec/go/multiexec/scheduler"
	"github.com/multigres/multiexec/go/multiexec/worker"
	"github.com/multigres/multiexec/go/tools/event"
)

const tracerName = "github.com/multigres/multiexec/go/multiexec/foreman"

var (
	// ErrEmptyPlan is returned for a plan without operators.
	ErrEmptyPlan = errors.New("query plan has no operators")
	// ErrWorkOrderFailed wraps the error of the work order that aborted a
	// query.
	ErrWorkOrderFailed = errors.New("work order failed")
	// ErrStalled means no work order is running or dispatchable while some
	// operator is unfinished.
	ErrStalled = errors.New("query execution stalled")
)

// Config sizes the execution of a query.
type Config struct {
	NumWorkers   int
	NumNUMANodes int
	// MinLoadPerWorker is how many work orders each worker may have queued
	// before the foreman stops handing it more.
	MinLoadPerWorker     int
	PreferSingleNUMANode bool
}

// Result summarizes one query execution.
type Result struct {
	QueryID           uuid.UUID
	NumOperators      int
	WorkOrders        int
	RebuildWorkOrders int
	Elapsed           time.Duration
	// Err is the error Run returned, if any.
	Err error
}

// Foreman executes query plans, one Run at a time per call.
type Foreman struct {
	cfg     Config
	logger  *slog.Logger
	meter   metric.Meter
	metrics *scheduler.Metrics
	tracer  trace.Tracer

	onQueryComplete event.Hooks[*Result]
}

// Option customizes a Foreman.
type Option func(*Foreman)

func WithLogger(logger *slog.Logger) Option {
	return func(f *Foreman) { f.logger = logger }
}

// WithMeter records scheduler metrics on meter.
func WithMeter(meter metric.Meter) Option {
	return func(f *Foreman) { f.meter = meter }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(f *Foreman) { f.tracer = tracer }
}

// New returns a Foreman for cfg.
func New(cfg Config, opts ...Option) (*Foreman, error) {
	if cfg.NumWorkers <= 0 {
		return nil, fmt.Errorf("invalid number of workers %d", cfg.NumWorkers)
	}
	cfg.NumNUMANodes = max(cfg.NumNUMANodes, 1)
	cfg.MinLoadPerWorker = max(cfg.MinLoadPerWorker, 1)

	f := &Foreman{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	if f.tracer == nil {
		f.tracer = otel.Tracer(tracerName)
	}
	metrics, err := scheduler.NewMetrics(f.meter, f.logger)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler metrics: %w", err)
	}
	f.metrics = metrics
	return f, nil
}

// OnQueryComplete registers fn to run after every query, failed or not.
func (f *Foreman) OnQueryComplete(fn func(*Result)) {
	f.onQueryComplete.Add(fn)
}

// Run executes plan against qctx and returns once every operator finished,
// a work order failed, or ctx was cancelled. A plan must not be run twice.
func (f *Foreman) Run(ctx context.Context, plan *queryplan.QueryPlan, qctx *querycontext.QueryContext) (*Result, error) {
	if plan.NumOperators() == 0 {
		return nil, ErrEmptyPlan
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query plan: %w", err)
	}

	res := &Result{QueryID: qctx.QueryID(), NumOperators: plan.NumOperators()}
	logger := f.logger.With("query_id", res.QueryID.String())

	ctx, span := f.tracer.Start(ctx, "query.execute", trace.WithAttributes(
		attribute.String("query.id", res.QueryID.String()),
		attribute.Int("query.operators", res.NumOperators),
		attribute.Int("query.workers", f.cfg.NumWorkers),
	))
	defer span.End()

	start := time.Now()
	err := f.execute(ctx, logger, plan, qctx, res)
	res.Elapsed = time.Since(start)
	res.Err = err

	span.SetAttributes(
		attribute.Int("query.work_orders", res.WorkOrders),
		attribute.Int("query.rebuild_work_orders", res.RebuildWorkOrders),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("query failed", "error", err, "elapsed", res.Elapsed)
	} else {
		logger.Info("query finished", "elapsed", res.Elapsed, "work_orders", res.WorkOrders, "rebuild_work_orders", res.RebuildWorkOrders)
	}

	f.onQueryComplete.Fire(res)
	return res, err
}

func (f *Foreman) execute(ctx context.Context, logger *slog.Logger, plan *queryplan.QueryPlan, qctx *querycontext.QueryContext, res *Result) error {
	// Room for every queued work order plus block and feedback messages.
	msgs := make(chan messages.Message, f.cfg.NumWorkers*(f.cfg.MinLoadPerWorker+4))
	done := make(chan struct{})
	sender := messages.NewChanSender(msgs, done)
	qctx.SetSender(sender)

	workCtx, cancel := context.WithCancel(ctx)
	pool := worker.NewPool(worker.Config{
		NumWorkers:   f.cfg.NumWorkers,
		NumNUMANodes: f.cfg.NumNUMANodes,
		QueueDepth:   f.cfg.MinLoadPerWorker,
	}, sender, logger)
	pool.Start(workCtx)
	defer func() {
		close(done)
		cancel()
		if err := pool.Stop(); err != nil {
			logger.Warn("stopping worker pool", "error", err)
		}
	}()

	qm := scheduler.NewQueryManager(ctx, plan, qctx, scheduler.Options{
		NumNUMANodes:         f.cfg.NumNUMANodes,
		PreferSingleNUMANode: f.cfg.PreferSingleNUMANode,
		Logger:               logger,
		Metrics:              f.metrics,
	})
	dir := pool.Directory()

	if err := f.dispatch(qm, pool, res); err != nil {
		return err
	}
	for !qm.Done() {
		if dir.TotalQueued() == 0 {
			return fmt.Errorf("%w: %d of %d operators finished", ErrStalled,
				qm.QueryExecutionState().NumOperatorsFinished(), plan.NumOperators())
		}

		var msg messages.Message
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg = <-msgs:
		}

		switch m := msg.(type) {
		case messages.WorkOrderFailed:
			dir.DecrementQueued(m.WorkerIndex)
			return fmt.Errorf("%w: operator %d (%s) on worker %d: %w", ErrWorkOrderFailed,
				m.OperatorIndex, plan.Operator(m.OperatorIndex).Name(), m.WorkerIndex, m.Err)
		case messages.WorkOrderComplete:
			dir.DecrementQueued(m.WorkerIndex)
		case messages.RebuildWorkOrderComplete:
			dir.DecrementQueued(m.WorkerIndex)
		}

		if status := qm.ProcessMessage(msg); status == scheduler.OperatorExecuted {
			logger.Debug("operator executed", "message", fmt.Sprintf("%T", msg))
		}

		switch msg.(type) {
		case messages.Feedback, messages.CatalogRelationNewBlock:
			continue
		}
		if err := f.dispatch(qm, pool, res); err != nil {
			return err
		}
	}
	return qm.Close()
}

// dispatch hands work orders to the least loaded worker, asking for work
// that prefers its NUMA node, until every worker is at its load limit or
// nothing is dispatchable.
func (f *Foreman) dispatch(qm *scheduler.QueryManager, pool *worker.Pool, res *Result) error {
	dir := pool.Directory()
	for {
		w, queued := dir.LeastLoaded()
		if queued >= f.cfg.MinLoadPerWorker {
			return nil
		}
		wo, kind, ok := qm.GetNextWorkOrder(dir.NUMANode(w))
		if !ok {
			return nil
		}
		if err := pool.Assign(w, worker.Assignment{WorkOrder: wo, Kind: kind}); err != nil {
			return err
		}
		if kind == scheduler.KindRebuild {
			res.RebuildWorkOrders++
		} else {
			res.WorkOrders++
		}
	}
}
