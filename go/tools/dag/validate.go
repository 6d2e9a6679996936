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

package dag

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrCycle is wrapped by the error Validate returns for a cyclic graph.
var ErrCycle = errors.New("cycle detected")

// GraphError describes a structural problem found by Validate.
type GraphError struct {
	Kind error
	// Path holds one cycle witness, first node repeated at the end.
	Path []int
}

func (e *GraphError) Error() string {
	if len(e.Path) == 0 {
		return e.Kind.Error()
	}
	parts := make([]string, len(e.Path))
	for i, n := range e.Path {
		parts[i] = strconv.Itoa(n)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), strings.Join(parts, " -> "))
}

func (e *GraphError) Unwrap() error { return e.Kind }

// Validate returns a *GraphError wrapping ErrCycle if the graph has a cycle.
func (g *DAG[T, L]) Validate() error {
	if len(g.TopologicalOrder()) == len(g.nodes) {
		return nil
	}
	return &GraphError{Kind: ErrCycle, Path: g.findCycle()}
}

// TopologicalOrder returns node indices in a deterministic topological order
// (Kahn's algorithm, smallest ready index first). For a cyclic graph the
// result omits every node on or behind a cycle.
func (g *DAG[T, L]) TopologicalOrder() []int {
	indeg := make([]int, len(g.nodes))
	for i := range g.nodes {
		indeg[i] = len(g.nodes[i].dependencies)
	}

	var ready []int
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]int, 0, len(g.nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, l := range g.Dependents(n) {
			indeg[l.To]--
			if indeg[l.To] == 0 {
				ready = insertSorted(ready, l.To)
			}
		}
	}
	return out
}

// StageSequence groups nodes into stages: every node in stage k depends only
// on nodes of earlier stages. Panics on a cyclic graph.
func (g *DAG[T, L]) StageSequence() [][]int {
	if err := g.Validate(); err != nil {
		panic("dag: " + err.Error())
	}
	stage := make([]int, len(g.nodes))
	var stages [][]int
	for _, n := range g.TopologicalOrder() {
		s := 0
		for _, d := range g.Dependencies(n) {
			if stage[d]+1 > s {
				s = stage[d] + 1
			}
		}
		stage[n] = s
		for len(stages) <= s {
			stages = append(stages, nil)
		}
		stages[s] = append(stages[s], n)
	}
	return stages
}

func insertSorted(s []int, v int) []int {
	i := 0
	for i < len(s) && s[i] < v {
		i++
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// findCycle runs a DFS in index order and returns the first cycle found.
func (g *DAG[T, L]) findCycle() []int {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, l := range g.Dependents(u) {
			v := l.To
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back edge u -> v closes the cycle v ... u -> v.
				path := []int{u}
				for cur := parent[u]; cur != -1 && path[len(path)-1] != v; cur = parent[cur] {
					path = append(path, cur)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				if path[0] != v {
					path = append([]int{v}, path...)
				}
				cycle = append(path, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range g.nodes {
		if color[i] == white && dfs(i) {
			break
		}
	}
	return cycle
}
