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

package querycontext

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/insertdest"
	"github.com/multigres/multiexec/go/multiexec/messages"
	"github.com/multigres/multiexec/go/multiexec/storage"
)

func TestResolveByIndex(t *testing.T) {
	cat := catalog.New()
	store := storage.NewManager(4)
	qc := New(cat, store)
	assert.NotEqual(t, uuid.Nil, qc.QueryID())

	even := qc.AddPredicate(func(t storage.Tuple) bool { return t[0]%2 == 0 })
	double := qc.AddProjection(func(t storage.Tuple) storage.Tuple { return storage.Tuple{t[0] * 2} })

	assert.True(t, qc.Predicate(even)(storage.Tuple{2}))
	assert.False(t, qc.Predicate(even)(storage.Tuple{3}))
	assert.True(t, qc.Predicate(InvalidPredicateID)(storage.Tuple{3}))
	assert.Equal(t, storage.Tuple{6}, qc.Projection(double)(storage.Tuple{3}))
	assert.Equal(t, storage.Tuple{3}, qc.Projection(InvalidProjectionID)(storage.Tuple{3}))

	assert.Panics(t, func() { qc.Predicate(5) })
	assert.Panics(t, func() { qc.Projection(1) })
	assert.Panics(t, func() { qc.JoinHashTable(0) })
	assert.Panics(t, func() { qc.InsertDestination(InvalidInsertDestinationID) })
}

func TestSetSenderReachesInsertDestinations(t *testing.T) {
	cat := catalog.New()
	rel := cat.AddRelation("out", 1)
	store := storage.NewManager(4)
	qc := New(cat, store)

	early := qc.AddInsertDestination(insertdest.New(cat, store, rel.ID(), 0, storage.NoNUMANode))
	rec := &messages.Recorder{}
	qc.SetSender(rec)
	late := qc.AddInsertDestination(insertdest.New(cat, store, rel.ID(), 1, storage.NoNUMANode))

	require.NoError(t, qc.InsertDestination(early).InsertTuples([]storage.Tuple{{1}}))
	require.NoError(t, qc.InsertDestination(late).InsertTuples([]storage.Tuple{{1}}))
	assert.Len(t, rec.Messages(), 2)
	assert.Same(t, rec, qc.Sender())
}

func TestJoinHashTable(t *testing.T) {
	qc := New(catalog.New(), storage.NewManager(1))
	id := qc.AddJoinHashTable(NewJoinHashTable())
	ht := qc.JoinHashTable(id)

	ht.Insert(1, storage.Tuple{1, 10})
	ht.Insert(1, storage.Tuple{1, 11})
	ht.Insert(2, storage.Tuple{2, 20})
	assert.Equal(t, []storage.Tuple{{1, 10}, {1, 11}}, ht.Probe(1))
	assert.Empty(t, ht.Probe(3))
	assert.Equal(t, 3, ht.Size())

	qc.DestroyJoinHashTable(id)
	assert.True(t, ht.Destroyed())
	assert.Panics(t, func() { ht.Probe(1) })
}
