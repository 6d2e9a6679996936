// Copyright 2019 The Vitess Authors.
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

// Package event provides lists of callbacks fired together.
package event

import (
	"sync"
)

// Hooks holds a list of functions to call with a value whenever the set is
// triggered with Fire().
type Hooks[T any] struct {
	funcs []func(T)
	mu    sync.Mutex
}

// Add appends the given function to the list to be triggered.
func (h *Hooks[T]) Add(f func(T)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs = append(h.funcs, f)
}

// Len returns the number of registered functions.
func (h *Hooks[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.funcs)
}

// Fire calls all the functions with v. It launches a goroutine for each
// function and then waits for all of them to finish before returning.
// Concurrent calls to Fire() are serialized.
func (h *Hooks[T]) Fire(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	wg := sync.WaitGroup{}
	for _, f := range h.funcs {
		wg.Go(func() { f(v) })
	}
	wg.Wait()
}
