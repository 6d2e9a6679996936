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
	"context"
	"slices"
)

// WorkOrder is one schedulable unit of an operator's work. It is immutable
// once built and is executed exactly once, on any worker.
type WorkOrder interface {
	Execute(ctx context.Context) error
	// PreferredNUMANodes lists the nodes the work order would like to run
	// on. Empty means no preference.
	PreferredNUMANodes() []int
	OperatorIndex() int
}

// workOrderBase implements the bookkeeping half of WorkOrder.
type workOrderBase struct {
	opIndex   int
	numaNodes []int
}

func newWorkOrderBase(opIndex int, numaNodes []int) workOrderBase {
	return workOrderBase{opIndex: opIndex, numaNodes: slices.Clone(numaNodes)}
}

func (w workOrderBase) OperatorIndex() int        { return w.opIndex }
func (w workOrderBase) PreferredNUMANodes() []int { return slices.Clone(w.numaNodes) }
