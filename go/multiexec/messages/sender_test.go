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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChanSenderDelivers(t *testing.T) {
	ch := make(chan Message, 1)
	done := make(chan struct{})
	s := NewChanSender(ch, done)

	s.Send(WorkOrderComplete{OperatorIndex: 2, WorkerIndex: 1})
	require.Len(t, ch, 1)
	assert.Equal(t, WorkOrderComplete{OperatorIndex: 2, WorkerIndex: 1}, <-ch)
}

func TestChanSenderDropsAfterDone(t *testing.T) {
	ch := make(chan Message)
	done := make(chan struct{})
	s := NewChanSender(ch, done)

	sent := make(chan struct{})
	go func() {
		s.Send(Feedback{OperatorIndex: 0})
		close(sent)
	}()

	close(done)
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("Send blocked after done was closed")
	}
	s.Send(Feedback{OperatorIndex: 1})
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Send(DataPipeline{OperatorIndex: 1, BlockID: 7})
	r.Send(CatalogRelationNewBlock{RelationID: 2, BlockID: 7})
	assert.Equal(t, []Message{
		DataPipeline{OperatorIndex: 1, BlockID: 7},
		CatalogRelationNewBlock{RelationID: 2, BlockID: 7},
	}, r.Messages())
	r.Reset()
	assert.Empty(t, r.Messages())
}
