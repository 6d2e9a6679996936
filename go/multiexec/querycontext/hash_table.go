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
	"sync"

	"github.com/multigres/multiexec/go/multiexec/storage"
)

// JoinHashTable maps a join key to the build-side tuples carrying it. Build
// work orders insert concurrently; probing starts only after the build side
// has finished.
type JoinHashTable struct {
	mu        sync.RWMutex
	buckets   map[int64][]storage.Tuple
	size      int
	destroyed bool
}

func NewJoinHashTable() *JoinHashTable {
	return &JoinHashTable{buckets: make(map[int64][]storage.Tuple)}
}

// Insert adds t under key.
func (h *JoinHashTable) Insert(key int64, t storage.Tuple) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		panic("querycontext: insert into destroyed hash table")
	}
	h.buckets[key] = append(h.buckets[key], t.Clone())
	h.size++
}

// Probe returns the tuples stored under key.
func (h *JoinHashTable) Probe(key int64) []storage.Tuple {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.destroyed {
		panic("querycontext: probe of destroyed hash table")
	}
	return h.buckets[key]
}

// Size returns the number of tuples inserted.
func (h *JoinHashTable) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

func (h *JoinHashTable) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buckets = nil
	h.size = 0
	h.destroyed = true
}

func (h *JoinHashTable) Destroyed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.destroyed
}
