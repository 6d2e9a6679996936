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

// Package command implements the multiexec command line.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/multiexec/go/common/servenv"
	"github.com/multigres/multiexec/go/multiexec/config"
	"github.com/multigres/multiexec/go/multiexec/planfile"
	"github.com/multigres/multiexec/go/tools/telemetry"
	"github.com/multigres/multiexec/go/tools/viperutil"
)

const serviceName = "multiexec"

// MultiExecCommand holds the configuration shared by the multiexec
// subcommands.
type MultiExecCommand struct {
	reg       *viperutil.Registry
	cfg       *config.Config
	vc        *viperutil.ViperConfig
	lg        *servenv.Logger
	telemetry *telemetry.Telemetry
}

// GetRootCommand creates the root command with all subcommands.
func GetRootCommand() (*cobra.Command, *MultiExecCommand) {
	tel := telemetry.NewTelemetry()
	reg := viperutil.NewRegistry()
	mc := &MultiExecCommand{
		reg:       reg,
		cfg:       config.New(reg),
		vc:        viperutil.NewViperConfig(reg),
		lg:        servenv.NewLogger(reg, tel),
		telemetry: tel,
	}

	var span trace.Span

	root := &cobra.Command{
		Use:   serviceName,
		Short: "Execute query plans on a NUMA-aware worker pool",
		Long: `multiexec loads a query plan from a YAML file and executes it with a
foreman that schedules work orders over a pool of workers.

Settings come from flags, MX_* environment variables, or a config file, in
that order of precedence.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := mc.vc.LoadConfig(mc.reg); err != nil {
				return err
			}
			if err := mc.cfg.Validate(); err != nil {
				return err
			}
			mc.lg.Setup()
			var err error
			if span, err = mc.telemetry.InitForCommand(cmd, serviceName, true /* startSpan */); err != nil {
				return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if span != nil {
				span.End()
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 5*time.Second)
			defer cancel()
			if err := mc.telemetry.ShutdownTelemetry(ctx); err != nil {
				return fmt.Errorf("failed to shutdown OpenTelemetry: %w", err)
			}
			return mc.lg.Close()
		},
	}

	mc.cfg.RegisterFlags(root.PersistentFlags())
	mc.vc.RegisterFlags(root.PersistentFlags())
	mc.lg.RegisterFlags(root.PersistentFlags())

	AddRunCommand(root, mc)
	AddStagesCommand(root, mc)

	return root, mc
}

func (mc *MultiExecCommand) GetLogger() *slog.Logger {
	return mc.lg.Get()
}

// loadPlan reads the configured plan file and builds it.
func (mc *MultiExecCommand) loadPlan() (*planfile.Query, error) {
	path := mc.cfg.PlanFile()
	if path == "" {
		return nil, fmt.Errorf("plan-file needs to be set")
	}
	f, err := planfile.LoadOSFile(path)
	if err != nil {
		return nil, err
	}
	return f.Build(mc.cfg.BlockCapacity(), mc.cfg.NumNUMANodes())
}
