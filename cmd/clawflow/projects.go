// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/clawflow/pkg/config"
	"github.com/teradata-labs/clawflow/pkg/store"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage the project registry",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		global, err := openGlobal()
		if err != nil {
			return err
		}
		defer global.Close()
		projects, err := global.ListProjects(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(projects)
	},
}

var projectsRegisterCmd = &cobra.Command{
	Use:   "register <name> [path]",
	Short: "Register a repository as a project",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		path, err := os.Getwd()
		if err != nil {
			return err
		}
		if len(args) == 2 {
			if path, err = filepath.Abs(args[1]); err != nil {
				return err
			}
		}

		global, err := openGlobal()
		if err != nil {
			return err
		}
		defer global.Close()

		p, err := global.RegisterProject(cmd.Context(), name, path)
		if err != nil {
			return err
		}
		if err := config.WriteProjectMarker(path, name); err != nil {
			return fmt.Errorf("write project marker: %w", err)
		}
		fmt.Printf("Registered %s at %s\n", p.Name, p.Path)
		return nil
	},
}

var projectsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a project and its database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		global, err := openGlobal()
		if err != nil {
			return err
		}
		defer global.Close()

		if err := global.DeleteProject(cmd.Context(), args[0]); err != nil {
			return err
		}
		// The project-scoped database goes with the registry entry.
		project, err := store.OpenProject(config.ProjectDBPath(args[0]))
		if err == nil {
			if err := project.DeleteDatabase(); err != nil {
				return err
			}
		}
		fmt.Printf("Deleted project %s\n", args[0])
		return nil
	},
}

func init() {
	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsRegisterCmd)
	projectsCmd.AddCommand(projectsDeleteCmd)
}
