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

package catalog

import (
	"fmt"
	"slices"
	"sync"

	"github.com/multigres/multiexec/go/multiexec/storage"
)

// RelationID identifies a relation within a Catalog.
type RelationID int

// InvalidRelationID is returned by operators that produce no relation.
const InvalidRelationID RelationID = -1

// IsValid reports whether id may refer to a relation.
func (id RelationID) IsValid() bool { return id >= 0 }

// Relation is a named table whose contents live in storage blocks.
type Relation struct {
	id            RelationID
	name          string
	numAttributes int

	blocks BlockList

	placementMu sync.RWMutex
	placement   map[storage.BlockID]int
}

func (r *Relation) ID() RelationID     { return r.id }
func (r *Relation) Name() string       { return r.name }
func (r *Relation) NumAttributes() int { return r.numAttributes }

// Blocks returns the relation's block list.
func (r *Relation) Blocks() *BlockList { return &r.blocks }

// SetBlockNUMANode records the node a block of this relation lives on.
func (r *Relation) SetBlockNUMANode(id storage.BlockID, node int) {
	r.placementMu.Lock()
	defer r.placementMu.Unlock()
	if node == storage.NoNUMANode {
		delete(r.placement, id)
		return
	}
	r.placement[id] = node
}

// BlockNUMANode returns the recorded node of a block, if any.
func (r *Relation) BlockNUMANode(id storage.BlockID) (int, bool) {
	r.placementMu.RLock()
	defer r.placementMu.RUnlock()
	node, ok := r.placement[id]
	return node, ok
}

// Catalog is the arena of relations for one query. It is safe for
// concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	next      RelationID
	relations map[RelationID]*Relation
}

func New() *Catalog {
	return &Catalog{relations: make(map[RelationID]*Relation)}
}

// AddRelation creates an empty relation and returns it.
func (c *Catalog) AddRelation(name string, numAttributes int) *Relation {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &Relation{
		id:            c.next,
		name:          name,
		numAttributes: numAttributes,
		placement:     make(map[storage.BlockID]int),
	}
	c.relations[r.id] = r
	c.next++
	return r
}

// Relation resolves id. Unknown or dropped ids panic.
func (c *Catalog) Relation(id RelationID) *Relation {
	r, ok := c.LookupRelation(id)
	if !ok {
		panic(fmt.Sprintf("catalog: unknown relation %d", id))
	}
	return r
}

func (c *Catalog) LookupRelation(id RelationID) (*Relation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.relations[id]
	return r, ok
}

// RelationByName returns the relation with the given name, if any.
func (c *Catalog) RelationByName(name string) (*Relation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.relations {
		if r.name == name {
			return r, true
		}
	}
	return nil, false
}

// DropRelation removes id from the catalog. Dropping a missing id is a no-op.
func (c *Catalog) DropRelation(id RelationID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.relations, id)
}

// Relations returns the live relations ordered by id.
func (c *Catalog) Relations() []*Relation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Relation, 0, len(c.relations))
	for _, r := range c.relations {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *Relation) int { return int(a.id - b.id) })
	return out
}
