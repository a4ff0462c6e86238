// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/clawflow/pkg/app"
	"github.com/teradata-labs/clawflow/pkg/group"
	"github.com/teradata-labs/clawflow/pkg/store"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Coordinate multi-task feature groups",
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <proposal.json>",
	Short: "Create a group from a proposal file",
	Long: `The proposal file describes the feature and its tasks:

  {
    "title": "Add billing export",
    "sharedContext": "...",
    "tasks": [
      {"title": "Schema", "tier": "L1"},
      {"title": "API", "tier": "L2", "dependsOn": [0]}
    ]
  }`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var proposal group.Proposal
		if err := json.Unmarshal(data, &proposal); err != nil {
			return fmt.Errorf("parse proposal: %w", err)
		}
		return withEngine(cmd.Context(), func(a *app.App) error {
			g, err := a.Groups.CreateGroup(cmd.Context(), proposal)
			if err != nil {
				return err
			}
			fmt.Printf("Created group %d (%s) with %d tasks\n", g.ID, g.Title, len(proposal.Tasks))
			return nil
		})
	},
}

var groupsLaunchCmd = &cobra.Command{
	Use:   "launch <id>",
	Short: "Launch a group and run its members in dependency order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(a *app.App) error {
			if err := a.Groups.LaunchGroup(cmd.Context(), id); err != nil {
				return err
			}
			// Members run in background sessions; wait for the group to
			// leave the running state.
			return waitForGroup(cmd, a, id)
		})
	},
}

// waitForGroup blocks until the group completes, pauses, or the command
// context is cancelled.
func waitForGroup(cmd *cobra.Command, a *app.App, groupID int64) error {
	sub := a.Bus.Subscribe(cmd.Context())
	for {
		g, err := a.Project.GetGroup(cmd.Context(), groupID)
		if err != nil {
			return err
		}
		switch g.Status {
		case store.GroupCompleted:
			fmt.Printf("Group %d completed\n", groupID)
			return nil
		case store.GroupPaused:
			fmt.Printf("Group %d paused\n", groupID)
			return nil
		}
		select {
		case _, okc := <-sub:
			if !okc {
				return cmd.Context().Err()
			}
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		}
	}
}

var groupsPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause every active member of a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(a *app.App) error {
			return a.Groups.PauseGroup(cmd.Context(), id, store.PauseManual)
		})
	},
}

var groupsResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(a *app.App) error {
			if err := a.Groups.ResumeGroup(cmd.Context(), id); err != nil {
				return err
			}
			return waitForGroup(cmd, a, id)
		})
	},
}

var groupsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a group, keeping its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(a *app.App) error {
			return a.Groups.DeleteGroup(cmd.Context(), id)
		})
	},
}

var groupsStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a group and its members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		g, err := a.Project.GetGroup(cmd.Context(), id)
		if err != nil {
			return err
		}
		tasks, err := a.Project.GetTasksByGroup(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"group": g, "tasks": tasks})
	},
}

func init() {
	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsLaunchCmd)
	groupsCmd.AddCommand(groupsPauseCmd)
	groupsCmd.AddCommand(groupsResumeCmd)
	groupsCmd.AddCommand(groupsDeleteCmd)
	groupsCmd.AddCommand(groupsStatusCmd)
}
