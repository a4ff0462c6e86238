// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/clawflow/pkg/app"
	"github.com/teradata-labs/clawflow/pkg/store"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run tasks through their stage pipeline",
}

// withEngine opens the app and fails early when the agent side is not
// configured.
func withEngine(ctx context.Context, fn func(a *app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.Engine == nil {
		return fmt.Errorf("pipeline unavailable: set ANTHROPIC_API_KEY")
	}
	a.Start(ctx)
	return fn(a)
}

var pipelineStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start a backlog task and run until a gate or the end",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(a *app.App) error {
			return a.Engine.RunFullPipeline(cmd.Context(), id)
		})
	},
}

var pipelineStepCmd = &cobra.Command{
	Use:   "step <id>",
	Short: "Re-run the task's current stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(a *app.App) error {
			return a.Engine.StepTask(cmd.Context(), id)
		})
	},
}

var pipelineApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve the current stage and advance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(a *app.App) error {
			return a.Engine.ApproveStage(cmd.Context(), id)
		})
	},
}

var pipelineRejectCmd = &cobra.Command{
	Use:   "reject <id> <feedback>",
	Short: "Reject the current stage with feedback",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(a *app.App) error {
			return a.Engine.RejectStage(cmd.Context(), id, args[1])
		})
	},
}

var pipelinePauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(a *app.App) error {
			return a.Engine.PauseTask(cmd.Context(), id, store.PauseManual)
		})
	},
}

var pipelineResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(a *app.App) error {
			return a.Engine.ResumeTask(cmd.Context(), id)
		})
	},
}

var pipelineRestartCmd = &cobra.Command{
	Use:   "restart <id> <stage>",
	Short: "Roll a task back to an earlier stage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(a *app.App) error {
			return a.Engine.RestartToStage(cmd.Context(), id, args[1])
		})
	},
}

var (
	resolveDeny    bool
	resolveMessage string
)

var pipelineResolveCmd = &cobra.Command{
	Use:   "resolve <request-id>",
	Short: "Resolve a pending tool approval request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(a *app.App) error {
			if !a.Runner.Registry().ResolveApproval(args[0], !resolveDeny, resolveMessage) {
				return fmt.Errorf("approval request %q not found or already resolved", args[0])
			}
			return nil
		})
	},
}

func init() {
	pipelineResolveCmd.Flags().BoolVar(&resolveDeny, "deny", false, "deny the request instead of approving")
	pipelineResolveCmd.Flags().StringVar(&resolveMessage, "message", "", "message returned to the agent on denial")

	pipelineCmd.AddCommand(pipelineStartCmd)
	pipelineCmd.AddCommand(pipelineStepCmd)
	pipelineCmd.AddCommand(pipelineApproveCmd)
	pipelineCmd.AddCommand(pipelineRejectCmd)
	pipelineCmd.AddCommand(pipelinePauseCmd)
	pipelineCmd.AddCommand(pipelineResumeCmd)
	pipelineCmd.AddCommand(pipelineRestartCmd)
	pipelineCmd.AddCommand(pipelineResolveCmd)
}
