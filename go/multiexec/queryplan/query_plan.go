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

// Package queryplan wraps the operator DAG of a query. Edge metadata is true
// for pipeline-breaking (blocking) links.
package queryplan

import (
	"github.com/multigres/multiexec/go/multiexec/relop"
	"github.com/multigres/multiexec/go/tools/dag"
)

// QueryPlan is the DAG of relational operators for one query. It is built
// before execution and only read afterwards.
type QueryPlan struct {
	dag *dag.DAG[relop.Operator, bool]
}

func New() *QueryPlan {
	return &QueryPlan{dag: dag.New[relop.Operator, bool]()}
}

// AddRelationalOperator adds op to the plan and returns its index, which is
// also recorded on the operator.
func (p *QueryPlan) AddRelationalOperator(op relop.Operator) int {
	i := p.dag.AddNode(op)
	op.SetOperatorIndex(i)
	return i
}

// AddDirectDependency makes dependent run after dependency. A blocking link
// is never weakened by a later pipelining one between the same operators.
func (p *QueryPlan) AddDirectDependency(dependent, dependency int, isPipelineBreaker bool) {
	if p.dag.HasEdge(dependency, dependent) && p.dag.LinkMetadata(dependency, dependent) {
		return
	}
	p.dag.AddEdge(dependency, dependent, isPipelineBreaker)
}

// AddDependenciesForDropOperator places a drop after every reader of the
// relation produced by producer, or directly after producer when nothing
// reads it yet. All added links are blocking.
func (p *QueryPlan) AddDependenciesForDropOperator(drop, producer int) {
	dependents := p.dag.Dependents(producer)
	if len(dependents) == 0 {
		p.AddDirectDependency(drop, producer, true)
		return
	}
	for _, l := range dependents {
		if l.To == drop {
			continue
		}
		p.AddDirectDependency(drop, l.To, true)
	}
}

// DAG exposes the underlying graph.
func (p *QueryPlan) DAG() *dag.DAG[relop.Operator, bool] { return p.dag }

func (p *QueryPlan) NumOperators() int { return p.dag.Size() }

func (p *QueryPlan) Operator(i int) relop.Operator { return p.dag.Payload(i) }

// Validate reports a cycle in the plan as an error wrapping dag.ErrCycle.
func (p *QueryPlan) Validate() error { return p.dag.Validate() }

// Stages groups operator indices so that every operator depends only on
// operators of earlier stages.
func (p *QueryPlan) Stages() [][]int { return p.dag.StageSequence() }
