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

// Package worker runs work orders on a fixed set of goroutines and reports
// their outcome back to the foreman as messages.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/multigres/multiexec/go/multiexec/messages"
	"github.com/multigres/multiexec/go/multiexec/relop"
	"github.com/multigres/multiexec/go/multiexec/scheduler"
)

// ErrStopped is returned by Assign after Stop.
var ErrStopped = errors.New("worker pool stopped")

// Assignment is one work order handed to a worker.
type Assignment struct {
	WorkOrder relop.WorkOrder
	Kind      scheduler.WorkOrderKind
}

// Worker executes assignments from its inbox, in order.
type Worker struct {
	index    int
	numaNode int
	inbox    chan Assignment
	sender   messages.Sender
	logger   *slog.Logger
}

func (w *Worker) Index() int    { return w.index }
func (w *Worker) NUMANode() int { return w.numaNode }

func (w *Worker) run(ctx context.Context) error {
	for a := range w.inbox {
		w.execute(ctx, a)
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, a Assignment) {
	op := a.WorkOrder.OperatorIndex()
	if err := a.WorkOrder.Execute(ctx); err != nil {
		w.logger.Error("work order failed", "operator", op, "kind", a.Kind.String(), "error", err)
		w.sender.Send(messages.WorkOrderFailed{OperatorIndex: op, WorkerIndex: w.index, Err: err})
		return
	}
	if a.Kind == scheduler.KindRebuild {
		w.sender.Send(messages.RebuildWorkOrderComplete{OperatorIndex: op, WorkerIndex: w.index})
		return
	}
	w.sender.Send(messages.WorkOrderComplete{OperatorIndex: op, WorkerIndex: w.index})
}

// Config sizes a Pool.
type Config struct {
	NumWorkers   int
	NumNUMANodes int
	// QueueDepth bounds the assignments a worker may hold. Assign blocks
	// once a worker's inbox is full.
	QueueDepth int
}

// Pool owns the workers of one query execution.
type Pool struct {
	workers   []*Worker
	directory *Directory
	logger    *slog.Logger

	group    *errgroup.Group
	stopOnce sync.Once
	stopped  bool
	mu       sync.Mutex
}

// NewPool creates cfg.NumWorkers workers, placed round-robin over the NUMA
// nodes, that report to sender.
func NewPool(cfg Config, sender messages.Sender, logger *slog.Logger) *Pool {
	if cfg.NumWorkers <= 0 {
		panic(fmt.Sprintf("worker: invalid number of workers %d", cfg.NumWorkers))
	}
	if logger == nil {
		logger = slog.Default()
	}
	numNodes := max(cfg.NumNUMANodes, 1)
	depth := max(cfg.QueueDepth, 1)

	p := &Pool{logger: logger}
	nodes := make([]int, cfg.NumWorkers)
	for i := range cfg.NumWorkers {
		nodes[i] = i % numNodes
		p.workers = append(p.workers, &Worker{
			index:    i,
			numaNode: nodes[i],
			inbox:    make(chan Assignment, depth),
			sender:   sender,
			logger:   logger.With("worker", i, "numa_node", nodes[i]),
		})
	}
	p.directory = NewDirectory(nodes)
	return p
}

// Start launches one goroutine per worker. Work orders run with ctx.
func (p *Pool) Start(ctx context.Context) {
	p.group, ctx = errgroup.WithContext(ctx)
	for _, w := range p.workers {
		p.group.Go(func() error { return w.run(ctx) })
	}
	p.logger.Debug("worker pool started", "workers", len(p.workers))
}

func (p *Pool) Size() int             { return len(p.workers) }
func (p *Pool) Worker(i int) *Worker  { return p.workers[i] }
func (p *Pool) Directory() *Directory { return p.directory }

// Assign queues a on worker and counts it in the directory.
func (p *Pool) Assign(worker int, a Assignment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	p.directory.IncrementQueued(worker)
	p.workers[worker].inbox <- a
	return nil
}

// Stop closes every inbox and waits for the workers to drain them.
func (p *Pool) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		for _, w := range p.workers {
			close(w.inbox)
		}
		p.mu.Unlock()
		if p.group != nil {
			err = p.group.Wait()
		}
		p.logger.Debug("worker pool stopped")
	})
	return err
}
