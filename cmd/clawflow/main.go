// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Command clawflow drives LLM coding agents through staged pipelines
// against a local repository.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/clawflow/pkg/app"
	"github.com/teradata-labs/clawflow/pkg/config"
	"github.com/teradata-labs/clawflow/pkg/store"
)

var projectFlag string

var rootCmd = &cobra.Command{
	Use:   "clawflow",
	Short: "Pipeline orchestration for LLM coding agents",
	Long: `ClawFlow moves development tasks through staged agent pipelines
(brainstorm, plan, implement, review, verify) with per-task git worktree
isolation, human approval gates, and a shared knowledge base.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "p", "",
		"project name (defaults to the project registered in the current directory)")

	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(vcsCmd)
	rootCmd.AddCommand(knowledgeCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openGlobal opens only the global store, for project registry commands.
func openGlobal() (*store.Store, error) {
	return store.OpenGlobal(config.GlobalDBPath())
}

// openApp resolves the target project and assembles the core. The
// project comes from --project, falling back to the marker written into
// the current directory at registration.
func openApp(ctx context.Context) (*app.App, error) {
	name := projectFlag
	path := ""

	if name == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		marker, err := config.ReadProjectMarker(cwd)
		if err != nil {
			return nil, fmt.Errorf("no project here: register one with 'clawflow projects register' or pass --project")
		}
		name, path = marker.Name, cwd
	}

	if path == "" {
		global, err := openGlobal()
		if err != nil {
			return nil, err
		}
		p, err := global.GetProject(ctx, name)
		global.Close()
		if err != nil {
			return nil, err
		}
		path = p.Path
	}

	return app.Open(ctx, name, path)
}

// printJSON renders command output for scripting.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
