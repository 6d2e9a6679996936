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

// Package dag provides a small directed graph with per-edge metadata, used to
// hold query plans where each node is an operator and each edge carries
// whether the link breaks the pipeline.
//
// Node indices are dense and assigned at insertion time. They never change.
// Index arguments outside [0, Size()) are programming errors and panic.
package dag

import (
	"fmt"
	"slices"
)

// Link is an outgoing edge of a node together with its metadata.
type Link[L any] struct {
	To       int
	Metadata L
}

type node[T any, L any] struct {
	payload      T
	dependencies map[int]struct{}
	dependents   map[int]L
}

// DAG is a directed graph whose nodes carry a payload of type T and whose
// edges carry metadata of type L.
//
// DAG is not safe for concurrent mutation. Once built it may be read from
// multiple goroutines.
type DAG[T any, L any] struct {
	nodes []*node[T, L]
}

// New returns an empty DAG.
func New[T any, L any]() *DAG[T, L] {
	return &DAG[T, L]{}
}

// Size returns the number of nodes.
func (g *DAG[T, L]) Size() int {
	return len(g.nodes)
}

// AddNode appends a node and returns its index.
func (g *DAG[T, L]) AddNode(payload T) int {
	g.nodes = append(g.nodes, &node[T, L]{
		payload:      payload,
		dependencies: make(map[int]struct{}),
		dependents:   make(map[int]L),
	})
	return len(g.nodes) - 1
}

// AddEdge creates the edge from -> to with the given metadata. If the edge
// already exists its metadata is replaced.
func (g *DAG[T, L]) AddEdge(from, to int, metadata L) {
	g.check(from)
	g.check(to)
	g.nodes[from].dependents[to] = metadata
	g.nodes[to].dependencies[from] = struct{}{}
}

// HasEdge reports whether the edge from -> to exists.
func (g *DAG[T, L]) HasEdge(from, to int) bool {
	g.check(from)
	g.check(to)
	_, ok := g.nodes[from].dependents[to]
	return ok
}

// Payload returns the payload stored at index i.
func (g *DAG[T, L]) Payload(i int) T {
	g.check(i)
	return g.nodes[i].payload
}

// LinkMetadata returns the metadata of edge from -> to. It panics if the edge
// does not exist.
func (g *DAG[T, L]) LinkMetadata(from, to int) L {
	g.check(from)
	md, ok := g.nodes[from].dependents[to]
	if !ok {
		panic(fmt.Sprintf("dag: no edge %d -> %d", from, to))
	}
	return md
}

// Dependents returns the outgoing edges of node i ordered by target index.
func (g *DAG[T, L]) Dependents(i int) []Link[L] {
	g.check(i)
	links := make([]Link[L], 0, len(g.nodes[i].dependents))
	for to, md := range g.nodes[i].dependents {
		links = append(links, Link[L]{To: to, Metadata: md})
	}
	slices.SortFunc(links, func(a, b Link[L]) int { return a.To - b.To })
	return links
}

// Dependencies returns the indices of nodes with an edge into i, ascending.
func (g *DAG[T, L]) Dependencies(i int) []int {
	g.check(i)
	deps := make([]int, 0, len(g.nodes[i].dependencies))
	for d := range g.nodes[i].dependencies {
		deps = append(deps, d)
	}
	slices.Sort(deps)
	return deps
}

func (g *DAG[T, L]) check(i int) {
	if i < 0 || i >= len(g.nodes) {
		panic(fmt.Sprintf("dag: node index %d out of range [0, %d)", i, len(g.nodes)))
	}
}
