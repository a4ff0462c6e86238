// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/clawflow/pkg/app"
	"github.com/teradata-labs/clawflow/pkg/store"
)

var (
	knowledgeCategory    string
	knowledgeStatus      string
	knowledgeGlobal      bool
	knowledgeTags        []string
	knowledgeSummary     string
	knowledgeAddCategory string
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage the agent knowledge base",
}

// knowledgeStore picks the project or global store for the command.
func knowledgeStore(a *app.App) *store.Store {
	if knowledgeGlobal {
		return a.Global
	}
	return a.Project
}

var knowledgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := knowledgeStore(a).ListKnowledge(cmd.Context(), knowledgeCategory, knowledgeStatus)
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

var knowledgeCandidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "List candidate entries awaiting review",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := knowledgeStore(a).ListCandidates(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

var knowledgeAddCmd = &cobra.Command{
	Use:   "add <key> <content>",
	Short: "Add an active knowledge entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := knowledgeStore(a).CreateOrUpdateKnowledge(cmd.Context(), &store.KnowledgeEntry{
			Key:      args[0],
			Content:  args[1],
			Summary:  knowledgeSummary,
			Category: knowledgeAddCategory,
			Tags:     knowledgeTags,
			Source:   store.SourceManual,
			Status:   store.KnowledgeActive,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Saved %s (%s)\n", entry.Key, entry.ID)
		return nil
	},
}

var knowledgePromoteCmd = &cobra.Command{
	Use:   "promote <id>",
	Short: "Promote a candidate to active, optionally into the global store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := a.Project.PromoteCandidate(cmd.Context(), args[0], knowledgeGlobal, a.Global)
		if err != nil {
			return err
		}
		scope := "project"
		if knowledgeGlobal {
			scope = "global"
		}
		fmt.Printf("Promoted %s to %s scope\n", entry.Key, scope)
		return nil
	},
}

var knowledgeDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Discard a candidate entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.Project.DiscardCandidate(cmd.Context(), args[0]); err != nil {
			return err
		}
		return nil
	},
}

var knowledgeDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a knowledge entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return knowledgeStore(a).DeleteKnowledge(cmd.Context(), args[0])
	},
}

func init() {
	knowledgeCmd.PersistentFlags().BoolVar(&knowledgeGlobal, "global", false, "operate on the global store")
	knowledgeListCmd.Flags().StringVar(&knowledgeCategory, "category", "", "filter by category")
	knowledgeListCmd.Flags().StringVar(&knowledgeStatus, "status", "", "filter by status")
	knowledgeAddCmd.Flags().StringVar(&knowledgeAddCategory, "category", store.CategoryConvention, "entry category")
	knowledgeAddCmd.Flags().StringVar(&knowledgeSummary, "summary", "", "one-line summary")
	knowledgeAddCmd.Flags().StringSliceVar(&knowledgeTags, "tags", nil, "comma-separated tags")

	knowledgeCmd.AddCommand(knowledgeListCmd)
	knowledgeCmd.AddCommand(knowledgeCandidatesCmd)
	knowledgeCmd.AddCommand(knowledgeAddCmd)
	knowledgeCmd.AddCommand(knowledgePromoteCmd)
	knowledgeCmd.AddCommand(knowledgeDiscardCmd)
	knowledgeCmd.AddCommand(knowledgeDeleteCmd)
}
