// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/clawflow/pkg/app"
)

var mergeTarget string

var vcsCmd = &cobra.Command{
	Use:   "vcs",
	Short: "Inspect and manage per-task branches",
}

// withVCS opens the app and fails early when the project has no git
// repository behind it.
func withVCS(cmd *cobra.Command, fn func(a *app.App) error) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	if a.VCS == nil {
		return fmt.Errorf("no repository open for this project")
	}
	return fn(a)
}

var vcsBranchesCmd = &cobra.Command{
	Use:   "branches",
	Short: "List task branches with ahead/behind state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVCS(cmd, func(a *app.App) error {
			tasks, err := a.Project.ListTasks(cmd.Context(), true)
			if err != nil {
				return err
			}
			statuses := make(map[int64]string)
			for _, t := range tasks {
				if t.BranchName != nil {
					statuses[t.ID] = t.Status
				}
			}
			branches, err := a.VCS.GetBranches(cmd.Context(), statuses)
			if err != nil {
				return err
			}
			return printJSON(branches)
		})
	},
}

var vcsBranchCmd = &cobra.Command{
	Use:   "branch <task-id>",
	Short: "Show one task's branch detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withVCS(cmd, func(a *app.App) error {
			task, err := a.Project.GetTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			detail, err := a.VCS.GetBranchDetail(cmd.Context(), id, task.Status)
			if err != nil {
				return err
			}
			return printJSON(detail)
		})
	},
}

var vcsPushCmd = &cobra.Command{
	Use:   "push <task-id>",
	Short: "Push a task branch to origin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withVCS(cmd, func(a *app.App) error {
			return a.VCS.Push(cmd.Context(), id)
		})
	},
}

var vcsMergeCmd = &cobra.Command{
	Use:   "merge <task-id>",
	Short: "Merge a task branch into the target branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withVCS(cmd, func(a *app.App) error {
			target := mergeTarget
			if target == "" {
				target = a.VCS.BaseBranch()
			}
			result, err := a.VCS.Merge(cmd.Context(), id, target)
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

var vcsDeleteBranchCmd = &cobra.Command{
	Use:   "delete-branch <task-id>",
	Short: "Remove a task's worktree and branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withVCS(cmd, func(a *app.App) error {
			return a.VCS.DeleteBranch(cmd.Context(), id)
		})
	},
}

var vcsCommitCmd = &cobra.Command{
	Use:   "commit <task-id> <message>",
	Short: "Commit all changes in a task's worktree",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withVCS(cmd, func(a *app.App) error {
			commit, err := a.VCS.CommitAll(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			return printJSON(commit)
		})
	},
}

var vcsStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the task worktree's uncommitted files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withVCS(cmd, func(a *app.App) error {
			files, err := a.VCS.GetWorkingTreeStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(files)
		})
	},
}

var vcsStageAllCmd = &cobra.Command{
	Use:   "stage-all <task-id>",
	Short: "Stage every change in a task's worktree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withVCS(cmd, func(a *app.App) error {
			result, err := a.VCS.StageAll(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

var vcsLocalBranchesCmd = &cobra.Command{
	Use:   "local-branches",
	Short: "List local branches in the main repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVCS(cmd, func(a *app.App) error {
			branches, err := a.VCS.GetLocalBranches(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(branches)
		})
	},
}

var vcsBaseBranchCmd = &cobra.Command{
	Use:   "base-branch [branch]",
	Short: "Show or set the base branch new worktrees fork from",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVCS(cmd, func(a *app.App) error {
			if len(args) == 1 {
				a.VCS.SetBaseBranch(args[0])
			}
			fmt.Println(a.VCS.BaseBranch())
			return nil
		})
	},
}

func init() {
	vcsMergeCmd.Flags().StringVar(&mergeTarget, "target", "", "merge target (defaults to the base branch)")

	vcsCmd.AddCommand(vcsBranchesCmd)
	vcsCmd.AddCommand(vcsBranchCmd)
	vcsCmd.AddCommand(vcsPushCmd)
	vcsCmd.AddCommand(vcsMergeCmd)
	vcsCmd.AddCommand(vcsDeleteBranchCmd)
	vcsCmd.AddCommand(vcsCommitCmd)
	vcsCmd.AddCommand(vcsStatusCmd)
	vcsCmd.AddCommand(vcsStageAllCmd)
	vcsCmd.AddCommand(vcsLocalBranchesCmd)
	vcsCmd.AddCommand(vcsBaseBranchCmd)
}
