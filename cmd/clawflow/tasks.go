// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/clawflow/pkg/store"
)

var (
	taskTier        string
	taskPriority    string
	taskDescription string
	taskAutoMode    bool
	taskDependsOn   []int64
	tasksArchived   bool
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		tasks, err := a.Project.ListTasks(cmd.Context(), tasksArchived)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			stage := "-"
			if t.CurrentAgent != nil {
				stage = *t.CurrentAgent
			}
			fmt.Printf("%4d  %-14s %-13s %-8s %s\n", t.ID, t.Status, stage, t.Tier, t.Title)
		}
		return nil
	},
}

var tasksCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task in the backlog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.Project.CreateTask(cmd.Context(), &store.Task{
			Title:       args[0],
			Description: taskDescription,
			Tier:        taskTier,
			Priority:    taskPriority,
			AutoMode:    taskAutoMode,
		})
		if err != nil {
			return err
		}
		if len(taskDependsOn) > 0 {
			if err := a.Project.AddDependencies(cmd.Context(), task.ID, taskDependsOn); err != nil {
				return err
			}
		}
		fmt.Printf("Created task %d (%s, tier %s)\n", task.ID, task.Title, task.Tier)
		return nil
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task with its handoffs",
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

		task, err := a.Project.GetTask(cmd.Context(), id)
		if err != nil {
			return err
		}
		handoffs, err := a.Project.ListHandoffs(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"task": task, "handoffs": handoffs})
	},
}

var tasksDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a task",
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
		return a.Project.DeleteTask(cmd.Context(), id)
	},
}

var tasksArchiveCmd = &cobra.Command{
	Use:   "archive [id]",
	Short: "Archive a task, or every done task with --all-done",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if allDone, _ := cmd.Flags().GetBool("all-done"); allDone {
			n, err := a.Project.ArchiveAllDone(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Archived %d tasks\n", n)
			return nil
		}
		if len(args) == 0 {
			return fmt.Errorf("task id or --all-done required")
		}
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return a.Project.ArchiveTask(cmd.Context(), id)
	},
}

var tasksStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.Project.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

func parseTaskID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", arg)
	}
	return id, nil
}

func init() {
	tasksListCmd.Flags().BoolVar(&tasksArchived, "archived", false, "include archived tasks")
	tasksCreateCmd.Flags().StringVar(&taskTier, "tier", store.TierL2, "pipeline tier (L1, L2, L3)")
	tasksCreateCmd.Flags().StringVar(&taskPriority, "priority", store.PriorityMedium, "priority")
	tasksCreateCmd.Flags().StringVarP(&taskDescription, "description", "d", "", "task description")
	tasksCreateCmd.Flags().BoolVar(&taskAutoMode, "auto", false, "bypass human approval gates")
	tasksCreateCmd.Flags().Int64SliceVar(&taskDependsOn, "depends-on", nil, "task ids this task depends on")
	tasksArchiveCmd.Flags().Bool("all-done", false, "archive every done task")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksCreateCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksDeleteCmd)
	tasksCmd.AddCommand(tasksArchiveCmd)
	tasksCmd.AddCommand(tasksStatsCmd)
}
