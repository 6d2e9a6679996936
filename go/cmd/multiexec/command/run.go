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
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/multigres/multiexec/go/multiexec/foreman"
	"github.com/multigres/multiexec/go/multiexec/planfile"
)

// RunReport is what the run command prints.
type RunReport struct {
	QueryID           string           `json:"query_id" yaml:"query_id"`
	Operators         int              `json:"operators" yaml:"operators"`
	WorkOrders        int              `json:"work_orders" yaml:"work_orders"`
	RebuildWorkOrders int              `json:"rebuild_work_orders" yaml:"rebuild_work_orders"`
	Elapsed           string           `json:"elapsed" yaml:"elapsed"`
	Relations         []RelationReport `json:"relations" yaml:"relations"`
}

// RelationReport describes a relation still present after the query.
type RelationReport struct {
	Name   string `json:"name" yaml:"name"`
	Blocks int    `json:"blocks" yaml:"blocks"`
	Tuples int    `json:"tuples" yaml:"tuples"`
}

type runCmd struct {
	mc     *MultiExecCommand
	format string
}

// AddRunCommand adds the run subcommand to the root command.
func AddRunCommand(root *cobra.Command, mc *MultiExecCommand) {
	rc := &runCmd{mc: mc}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a plan file",
		Long: `Execute the plan file and report the relations left in the catalog.

Examples:
  # Run with four workers spread over two NUMA nodes
  multiexec run --plan-file plan.yaml --num-workers 4 --num-numa-nodes 2

  # Print the report as YAML
  multiexec run --plan-file plan.yaml --output yaml`,
		Args: cobra.NoArgs,
		RunE: rc.run,
	}
	cmd.Flags().StringVarP(&rc.format, "output", "o", "text", "Report format (text, json, yaml)")
	root.AddCommand(cmd)
}

func (rc *runCmd) run(cmd *cobra.Command, _ []string) error {
	q, err := rc.mc.loadPlan()
	if err != nil {
		return err
	}

	fm, err := foreman.New(rc.mc.cfg.ForemanConfig(),
		foreman.WithLogger(rc.mc.GetLogger()),
		foreman.WithMeter(rc.mc.telemetry.Meter()),
		foreman.WithTracer(rc.mc.telemetry.Tracer()),
	)
	if err != nil {
		return err
	}
	res, err := fm.Run(cmd.Context(), q.Plan, q.Context)
	if err != nil {
		return fmt.Errorf("executing %s: %w", rc.mc.cfg.PlanFile(), err)
	}
	return writeReport(cmd.OutOrStdout(), rc.format, newRunReport(res, q))
}

func newRunReport(res *foreman.Result, q *planfile.Query) *RunReport {
	report := &RunReport{
		QueryID:           res.QueryID.String(),
		Operators:         res.NumOperators,
		WorkOrders:        res.WorkOrders,
		RebuildWorkOrders: res.RebuildWorkOrders,
		Elapsed:           res.Elapsed.String(),
	}
	for _, rel := range q.Catalog.Relations() {
		rr := RelationReport{Name: rel.Name()}
		for _, id := range rel.Blocks().Snapshot() {
			rr.Blocks++
			rr.Tuples += q.Storage.Block(id).NumTuples()
		}
		report.Relations = append(report.Relations, rr)
	}
	return report
}

func writeReport(w io.Writer, format string, report *RunReport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	case "text":
		fmt.Fprintf(w, "query %s: %d operators, %d work orders, %d rebuild work orders in %s\n",
			report.QueryID, report.Operators, report.WorkOrders, report.RebuildWorkOrders, report.Elapsed)
		for _, r := range report.Relations {
			fmt.Fprintf(w, "%s\t%d blocks\t%d tuples\n", r.Name, r.Blocks, r.Tuples)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
