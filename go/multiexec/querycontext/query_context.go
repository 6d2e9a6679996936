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

// Package querycontext holds the per-query objects operators refer to by
// index: predicates, projections, join hash tables and insert destinations.
package querycontext

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/insertdest"
	"github.com/multigres/multiexec/go/multiexec/messages"
	"github.com/multigres/multiexec/go/multiexec/storage"
)

type (
	PredicateID         int
	ProjectionID        int
	HashTableID         int
	InsertDestinationID int
)

// Invalid ids mean "none": no filter, identity projection, no output.
const (
	InvalidPredicateID         PredicateID         = -1
	InvalidProjectionID        ProjectionID        = -1
	InvalidHashTableID         HashTableID         = -1
	InvalidInsertDestinationID InsertDestinationID = -1
)

// Predicate reports whether a tuple passes a filter.
type Predicate func(storage.Tuple) bool

// Projection maps an input tuple to an output tuple.
type Projection func(storage.Tuple) storage.Tuple

// QueryContext owns the auxiliary objects of a single query. Objects are
// registered before execution starts and only read afterwards.
type QueryContext struct {
	id      uuid.UUID
	catalog *catalog.Catalog
	storage *storage.Manager
	sender  messages.Sender

	predicates         []Predicate
	projections        []Projection
	hashTables         []*JoinHashTable
	insertDestinations []*insertdest.InsertDestination
}

func New(cat *catalog.Catalog, store *storage.Manager) *QueryContext {
	return &QueryContext{
		id:      uuid.New(),
		catalog: cat,
		storage: store,
	}
}

func (qc *QueryContext) QueryID() uuid.UUID        { return qc.id }
func (qc *QueryContext) Catalog() *catalog.Catalog { return qc.catalog }
func (qc *QueryContext) Storage() *storage.Manager { return qc.storage }
func (qc *QueryContext) Sender() messages.Sender   { return qc.sender }

// SetSender routes messages of this query, including those of every
// registered insert destination, to s.
func (qc *QueryContext) SetSender(s messages.Sender) {
	qc.sender = s
	for _, d := range qc.insertDestinations {
		d.SetSender(s)
	}
}

func (qc *QueryContext) AddPredicate(p Predicate) PredicateID {
	qc.predicates = append(qc.predicates, p)
	return PredicateID(len(qc.predicates) - 1)
}

func (qc *QueryContext) AddProjection(p Projection) ProjectionID {
	qc.projections = append(qc.projections, p)
	return ProjectionID(len(qc.projections) - 1)
}

func (qc *QueryContext) AddJoinHashTable(ht *JoinHashTable) HashTableID {
	qc.hashTables = append(qc.hashTables, ht)
	return HashTableID(len(qc.hashTables) - 1)
}

func (qc *QueryContext) AddInsertDestination(d *insertdest.InsertDestination) InsertDestinationID {
	if qc.sender != nil {
		d.SetSender(qc.sender)
	}
	qc.insertDestinations = append(qc.insertDestinations, d)
	return InsertDestinationID(len(qc.insertDestinations) - 1)
}

// Predicate resolves id. InvalidPredicateID resolves to a filter that
// accepts every tuple.
func (qc *QueryContext) Predicate(id PredicateID) Predicate {
	if id == InvalidPredicateID {
		return func(storage.Tuple) bool { return true }
	}
	checkIndex("predicate", int(id), len(qc.predicates))
	return qc.predicates[id]
}

// Projection resolves id. InvalidProjectionID resolves to the identity.
func (qc *QueryContext) Projection(id ProjectionID) Projection {
	if id == InvalidProjectionID {
		return func(t storage.Tuple) storage.Tuple { return t }
	}
	checkIndex("projection", int(id), len(qc.projections))
	return qc.projections[id]
}

func (qc *QueryContext) JoinHashTable(id HashTableID) *JoinHashTable {
	checkIndex("join hash table", int(id), len(qc.hashTables))
	return qc.hashTables[id]
}

func (qc *QueryContext) InsertDestination(id InsertDestinationID) *insertdest.InsertDestination {
	checkIndex("insert destination", int(id), len(qc.insertDestinations))
	return qc.insertDestinations[id]
}

// DestroyJoinHashTable releases the memory of a hash table. The slot stays
// so that ids of other tables remain valid.
func (qc *QueryContext) DestroyJoinHashTable(id HashTableID) {
	qc.JoinHashTable(id).Destroy()
}

func checkIndex(kind string, i, n int) {
	if i < 0 || i >= n {
		panic(fmt.Sprintf("querycontext: %s index %d out of range [0, %d)", kind, i, n))
	}
}
