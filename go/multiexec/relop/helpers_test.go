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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/insertdest"
	"github.com/multigres/multiexec/go/multiexec/messages"
	"github.com/multigres/multiexec/go/multiexec/querycontext"
	"github.com/multigres/multiexec/go/multiexec/storage"
)

type sliceSink struct {
	workOrders []WorkOrder
}

func (s *sliceSink) AddNormalWorkOrder(wo WorkOrder) { s.workOrders = append(s.workOrders, wo) }

// drain returns and forgets the collected work orders.
func (s *sliceSink) drain() []WorkOrder {
	out := s.workOrders
	s.workOrders = nil
	return out
}

type fixture struct {
	t     *testing.T
	cat   *catalog.Catalog
	store *storage.Manager
	qctx  *querycontext.QueryContext
	rec   *messages.Recorder
}

func newFixture(t *testing.T, blockCapacity int) *fixture {
	t.Helper()
	cat := catalog.New()
	store := storage.NewManager(blockCapacity)
	qctx := querycontext.New(cat, store)
	rec := &messages.Recorder{}
	qctx.SetSender(rec)
	return &fixture{t: t, cat: cat, store: store, qctx: qctx, rec: rec}
}

// addRelation creates a relation with one block per tuple list.
func (f *fixture) addRelation(name string, numAttributes int, blocks ...[]storage.Tuple) catalog.RelationID {
	f.t.Helper()
	rel := f.cat.AddRelation(name, numAttributes)
	for _, tuples := range blocks {
		b := f.store.CreateBlockWithCapacity(max(len(tuples), 1), storage.NoNUMANode)
		for _, tup := range tuples {
			require.NoError(f.t, b.Insert(tup))
		}
		rel.Blocks().Append(b.ID())
	}
	return rel.ID()
}

func (f *fixture) addDest(rel catalog.RelationID, opIndex int) querycontext.InsertDestinationID {
	return f.qctx.AddInsertDestination(insertdest.New(f.cat, f.store, rel, opIndex, storage.NoNUMANode))
}

func (f *fixture) execute(wos ...WorkOrder) {
	f.t.Helper()
	for _, wo := range wos {
		require.NoError(f.t, wo.Execute(context.Background()))
	}
}

// publishNewBlocks applies recorded CatalogRelationNewBlock messages the
// way the dispatcher would.
func (f *fixture) publishNewBlocks() {
	for _, m := range f.rec.Messages() {
		if nb, ok := m.(messages.CatalogRelationNewBlock); ok {
			f.cat.Relation(nb.RelationID).Blocks().Append(nb.BlockID)
		}
	}
}

// relationTuples returns every tuple of rel sorted by all attributes.
func (f *fixture) relationTuples(rel catalog.RelationID) []storage.Tuple {
	var out []storage.Tuple
	for _, id := range f.cat.Relation(rel).Blocks().Snapshot() {
		out = append(out, f.store.Block(id).Tuples()...)
	}
	slices.SortFunc(out, func(a, b storage.Tuple) int { return slices.Compare(a, b) })
	return out
}
