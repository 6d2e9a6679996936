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

package messages

import "sync"

// Sender delivers messages to the dispatcher.
type Sender interface {
	Send(msg Message)
}

// ChanSender sends on a channel. Once the done channel is closed, Send drops
// messages instead of blocking so that workers can exit after the receiver
// has gone away.
type ChanSender struct {
	ch   chan<- Message
	done <-chan struct{}
}

// NewChanSender returns a Sender writing to ch until done is closed.
func NewChanSender(ch chan<- Message, done <-chan struct{}) *ChanSender {
	return &ChanSender{ch: ch, done: done}
}

func (s *ChanSender) Send(msg Message) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- msg:
	case <-s.done:
	}
}

// Recorder is a Sender that keeps every message in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Send(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

// Messages returns the recorded messages in send order.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// Reset drops all recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}
