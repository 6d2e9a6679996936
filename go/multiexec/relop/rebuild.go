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

	"github.com/multigres/multiexec/go/multiexec/catalog"
	"github.com/multigres/multiexec/go/multiexec/messages"
	"github.com/multigres/multiexec/go/multiexec/storage"
)

// RebuildWorkOrder consolidates one partially filled output block once its
// operator finished normal execution, then streams it to consumers.
type RebuildWorkOrder struct {
	workOrderBase

	block    *storage.Block
	relation catalog.RelationID
	sender   messages.Sender
}

func NewRebuildWorkOrder(opIndex int, block *storage.Block, relation catalog.RelationID, sender messages.Sender) *RebuildWorkOrder {
	var nodes []int
	if block.NUMANode() != storage.NoNUMANode {
		nodes = []int{block.NUMANode()}
	}
	return &RebuildWorkOrder{
		workOrderBase: newWorkOrderBase(opIndex, nodes),
		block:         block,
		relation:      relation,
		sender:        sender,
	}
}

// BlockID returns the block being rebuilt.
func (wo *RebuildWorkOrder) BlockID() storage.BlockID { return wo.block.ID() }

func (wo *RebuildWorkOrder) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wo.block.Rebuild()
	if wo.sender != nil {
		wo.sender.Send(messages.DataPipeline{
			OperatorIndex: wo.opIndex,
			BlockID:       wo.block.ID(),
			RelationID:    wo.relation,
		})
	}
	return nil
}
