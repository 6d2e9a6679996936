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

// Package messages defines what workers and insert destinations report back
// to the dispatcher. Every message is an owned value; senders never touch a
// message after sending it.
package messages

import (
	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/storage"
)

// Message is implemented by every message type in this package.
type Message interface {
	isMessage()
}

// WorkOrderComplete reports that a normal work order finished executing.
type WorkOrderComplete struct {
	OperatorIndex int
	WorkerIndex   int
}

// RebuildWorkOrderComplete reports that a rebuild work order finished.
type RebuildWorkOrderComplete struct {
	OperatorIndex int
	WorkerIndex   int
}

// WorkOrderFailed reports a work order whose Execute returned an error.
type WorkOrderFailed struct {
	OperatorIndex int
	WorkerIndex   int
	Err           error
}

// DataPipeline announces a finished output block that pipelining consumers
// of OperatorIndex may read.
type DataPipeline struct {
	OperatorIndex int
	BlockID       storage.BlockID
	RelationID    catalog.RelationID
	PartitionID   int
}

// Feedback carries an operator-defined payload from a work order to the
// operator that produced it.
type Feedback struct {
	OperatorIndex int
	Type          uint16
	Payload       []byte
}

// CatalogRelationNewBlock announces a block created for a relation.
type CatalogRelationNewBlock struct {
	RelationID catalog.RelationID
	BlockID    storage.BlockID
}

func (WorkOrderComplete) isMessage()        {}
func (RebuildWorkOrderComplete) isMessage() {}
func (WorkOrderFailed) isMessage()          {}
func (DataPipeline) isMessage()             {}
func (Feedback) isMessage()                 {}
func (CatalogRelationNewBlock) isMessage()  {}
