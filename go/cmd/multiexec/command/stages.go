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

package command

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// AddStagesCommand adds the stages subcommand to the root command.
func AddStagesCommand(root *cobra.Command, mc *MultiExecCommand) {
	root.AddCommand(&cobra.Command{
		Use:   "stages",
		Short: "Print the stage sequence of a plan file without running it",
		Long: `Print the operators of the plan grouped into stages. Every operator depends
only on operators of earlier stages.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := mc.loadPlan()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for i, stage := range q.Plan.Stages() {
				names := make([]string, len(stage))
				for j, op := range stage {
					names[j] = fmt.Sprintf("%s(%s)", q.OperatorNames[op], q.Plan.Operator(op).Name())
				}
				fmt.Fprintf(w, "stage %d: %s\n", i, strings.Join(names, " "))
			}
			return nil
		},
	})
}
