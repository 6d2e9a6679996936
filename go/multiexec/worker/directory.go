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
	"fmt"
	"sync"
)

// Directory tracks the NUMA node and the number of queued work orders of
// each worker. The foreman consults it to pick where work goes.
type Directory struct {
	mu       sync.Mutex
	numaNode []int
	queued   []int
}

// NewDirectory returns a directory for workers placed on numaNodes, one
// entry per worker.
func NewDirectory(numaNodes []int) *Directory {
	return &Directory{
		numaNode: append([]int(nil), numaNodes...),
		queued:   make([]int, len(numaNodes)),
	}
}

func (d *Directory) Size() int { return len(d.numaNode) }

func (d *Directory) NUMANode(worker int) int {
	d.check(worker)
	return d.numaNode[worker]
}

func (d *Directory) NumQueued(worker int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.check(worker)
	return d.queued[worker]
}

func (d *Directory) IncrementQueued(worker int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.check(worker)
	d.queued[worker]++
}

func (d *Directory) DecrementQueued(worker int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.check(worker)
	if d.queued[worker] == 0 {
		panic(fmt.Sprintf("worker: worker %d has no queued work orders", worker))
	}
	d.queued[worker]--
}

// LeastLoaded returns the worker with the fewest queued work orders, the
// lowest index on ties, and its load. It returns -1 for an empty directory.
func (d *Directory) LeastLoaded() (worker, queued int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	worker = -1
	for i, q := range d.queued {
		if worker == -1 || q < queued {
			worker, queued = i, q
		}
	}
	return worker, queued
}

// TotalQueued returns the number of work orders queued across workers.
func (d *Directory) TotalQueued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int
	for _, q := range d.queued {
		n += q
	}
	return n
}

func (d *Directory) check(worker int) {
	if worker < 0 || worker >= len(d.numaNode) {
		panic(fmt.Sprintf("worker: worker index %d out of range [0, %d)", worker, len(d.numaNode)))
	}
}
