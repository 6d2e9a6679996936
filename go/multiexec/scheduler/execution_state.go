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

import "fmt"

// ExecutionState is the per-operator bookkeeping of one query: queued work
// orders, rebuild progress, generation and completion flags.
type ExecutionState struct {
	numOperatorsFinished int

	queuedWorkOrders []int
	rebuildRequired  []bool
	rebuildInitiated []bool
	pendingRebuilds  []int
	doneGeneration   []bool
	finished         []bool
}

func NewExecutionState(numOperators int) *ExecutionState {
	return &ExecutionState{
		queuedWorkOrders: make([]int, numOperators),
		rebuildRequired:  make([]bool, numOperators),
		rebuildInitiated: make([]bool, numOperators),
		pendingRebuilds:  make([]int, numOperators),
		doneGeneration:   make([]bool, numOperators),
		finished:         make([]bool, numOperators),
	}
}

func (s *ExecutionState) NumOperators() int { return len(s.finished) }

func (s *ExecutionState) NumOperatorsFinished() int { return s.numOperatorsFinished }

// HasQueryExecutionFinished reports whether every operator finished.
func (s *ExecutionState) HasQueryExecutionFinished() bool {
	return s.numOperatorsFinished == len(s.finished)
}

func (s *ExecutionState) HasExecutionFinished(op int) bool {
	s.check(op)
	return s.finished[op]
}

// SetExecutionFinished marks op finished. Finishing an operator twice is a
// bug and panics.
func (s *ExecutionState) SetExecutionFinished(op int) {
	s.check(op)
	if s.finished[op] {
		panic(fmt.Sprintf("scheduler: operator %d finished twice", op))
	}
	s.finished[op] = true
	s.numOperatorsFinished++
}

func (s *ExecutionState) IncrementQueuedWorkOrders(op int) {
	s.check(op)
	s.queuedWorkOrders[op]++
}

func (s *ExecutionState) DecrementQueuedWorkOrders(op int) {
	s.check(op)
	if s.queuedWorkOrders[op] == 0 {
		panic(fmt.Sprintf("scheduler: operator %d has no queued work orders", op))
	}
	s.queuedWorkOrders[op]--
}

func (s *ExecutionState) NumQueuedWorkOrders(op int) int {
	s.check(op)
	return s.queuedWorkOrders[op]
}

func (s *ExecutionState) SetRebuildRequired(op int) {
	s.check(op)
	s.rebuildRequired[op] = true
}

func (s *ExecutionState) IsRebuildRequired(op int) bool {
	s.check(op)
	return s.rebuildRequired[op]
}

// SetRebuildStatus records how many rebuild work orders are outstanding and
// whether the rebuild has been initiated.
func (s *ExecutionState) SetRebuildStatus(op, numRebuildWorkOrders int, initiated bool) {
	s.check(op)
	s.pendingRebuilds[op] = numRebuildWorkOrders
	s.rebuildInitiated[op] = initiated
}

func (s *ExecutionState) HasRebuildInitiated(op int) bool {
	s.check(op)
	return s.rebuildInitiated[op]
}

func (s *ExecutionState) NumRebuildWorkOrders(op int) int {
	s.check(op)
	return s.pendingRebuilds[op]
}

func (s *ExecutionState) DecrementNumRebuildWorkOrders(op int) {
	s.check(op)
	if s.pendingRebuilds[op] == 0 {
		panic(fmt.Sprintf("scheduler: operator %d has no pending rebuild work orders", op))
	}
	s.pendingRebuilds[op]--
}

func (s *ExecutionState) SetDoneGenerationWorkOrders(op int) {
	s.check(op)
	s.doneGeneration[op] = true
}

func (s *ExecutionState) HasDoneGenerationWorkOrders(op int) bool {
	s.check(op)
	return s.doneGeneration[op]
}

func (s *ExecutionState) check(op int) {
	if op < 0 || op >= len(s.finished) {
		panic(fmt.Sprintf("scheduler: operator index %d out of range [0, %d)", op, len(s.finished)))
	}
}
