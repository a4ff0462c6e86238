// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/clawflow/pkg/store"
)

func TestInterpolate(t *testing.T) {
	result := Interpolate("Hello {{name}}, task {{id}}!", map[string]string{
		"name": "World",
		"id":   "7",
	})
	assert.Equal(t, "Hello World, task 7!", result)
}

func TestInterpolateUnknownPlaceholderKept(t *testing.T) {
	result := Interpolate("{{known}} and {{unknown}}", map[string]string{"known": "x"})
	assert.Equal(t, "x and {{unknown}}", result)
}

func TestParseHandoffFullSection(t *testing.T) {
	output := `I finished the plan.

## Handoff
Status: completed
Summary: Wrote the implementation plan covering three files.
Key Decisions: Use the existing store layer.
Open Questions: none
Files Modified: docs/plan.md
Next Stage Needs: The plan in docs/plan.md.
Warnings: none
`
	h := ParseHandoff(output, "plan")
	assert.Equal(t, store.HandoffCompleted, h.Status)
	assert.Equal(t, "Wrote the implementation plan covering three files.", h.Summary)
	assert.Equal(t, "Use the existing store layer.", h.KeyDecisions)
	assert.Empty(t, h.OpenQuestions)
	assert.Equal(t, "docs/plan.md", h.FilesModified)
	assert.Equal(t, "The plan in docs/plan.md.", h.NextStageNeeds)
	assert.Empty(t, h.Warnings)
	assert.Equal(t, "plan", h.Stage)
}

func TestParseHandoffMissingSectionSynthesizesCompleted(t *testing.T) {
	h := ParseHandoff("just some prose with no structure", "implement")
	assert.Equal(t, store.HandoffCompleted, h.Status)
	assert.Empty(t, h.Summary)
	assert.Equal(t, "implement", h.Stage)
}

func TestParseHandoffBlockedStatus(t *testing.T) {
	output := "## Handoff\nStatus: blocked\nSummary: Cannot proceed without credentials.\n"
	h := ParseHandoff(output, "implement")
	assert.Equal(t, store.HandoffBlocked, h.Status)
	assert.Equal(t, "Cannot proceed without credentials.", h.Summary)
}

func TestParseHandoffEchoedStatusMenu(t *testing.T) {
	output := "## Handoff\nStatus: completed | blocked | needs_intervention\nSummary: Done.\n"
	h := ParseHandoff(output, "verify")
	assert.Equal(t, store.HandoffCompleted, h.Status)
}

func TestParseHandoffMultilineField(t *testing.T) {
	output := `## Handoff
Status: needs_intervention
Summary: Partial progress.
Open Questions: Should the cache be bounded?
Or should eviction be left to the caller?
Warnings: none
`
	h := ParseHandoff(output, "brainstorm")
	assert.Equal(t, store.HandoffNeedsIntervention, h.Status)
	assert.Contains(t, h.OpenQuestions, "bounded?")
	assert.Contains(t, h.OpenQuestions, "eviction")
}

func TestFormatSentinels(t *testing.T) {
	assert.Equal(t, "No previous stages.", FormatPreviousHandoff(nil))
	assert.Equal(t, "No previous stages.", FormatPreviousHandoff([]*store.Handoff{}))
	assert.Equal(t, "No handoff history.", FormatHandoffChain(nil))
	assert.Equal(t, "No handoff history.", FormatHandoffChain([]*store.Handoff{}))
}

func TestFormatPreviousHandoffUsesLatest(t *testing.T) {
	handoffs := []*store.Handoff{
		{Stage: "brainstorm", Summary: "Explored approaches."},
		{Stage: "plan", Summary: "Planned the work.", Warnings: "Schema change needed."},
	}
	out := FormatPreviousHandoff(handoffs)
	assert.Contains(t, out, "[plan]")
	assert.Contains(t, out, "Planned the work.")
	assert.Contains(t, out, "Warnings: Schema change needed.")
	assert.NotContains(t, out, "brainstorm")
}

func TestFormatHandoffChainOrdered(t *testing.T) {
	handoffs := []*store.Handoff{
		{Stage: "brainstorm", Summary: "First."},
		{Stage: "plan", Summary: "Second."},
	}
	out := FormatHandoffChain(handoffs)
	assert.Less(t, indexOf(out, "First."), indexOf(out, "Second."))
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestDecodeHandoffsTolerant(t *testing.T) {
	assert.Nil(t, DecodeHandoffs(nil))
	assert.Nil(t, DecodeHandoffs("not json"))
	assert.Nil(t, DecodeHandoffs(42))

	fromString := DecodeHandoffs(`[{"stage":"plan","summary":"s"}]`)
	require.Len(t, fromString, 1)
	assert.Equal(t, "plan", fromString[0].Stage)

	parsed := []*store.Handoff{{Stage: "verify"}}
	assert.Equal(t, parsed, DecodeHandoffs(parsed))
}

func TestResolverPrecedence(t *testing.T) {
	projectDir := t.TempDir()
	globalDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "plan.md"), []byte("project plan skill"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "plan.md"), []byte("global plan skill"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "verify.md"), []byte("global verify skill"), 0o644))

	r := &Resolver{
		Overrides:  map[string]string{"implement": "override implement"},
		ProjectDir: projectDir,
		GlobalDir:  globalDir,
	}

	assert.Equal(t, "override implement", r.Resolve("implement"))
	assert.Equal(t, "project plan skill", r.Resolve("plan"))
	assert.Equal(t, "global verify skill", r.Resolve("verify"))
	assert.Equal(t, defaultSkills["brainstorm"], r.Resolve("brainstorm"))
	assert.Empty(t, r.Resolve("no-such-skill"))
	assert.Empty(t, r.Resolve(""))
}

func TestComposeIncludesTaskAndFeedback(t *testing.T) {
	plan := "the plan body"
	task := &store.Task{
		ID:          12,
		Title:       "Add caching",
		Description: "Cache hot lookups.",
		Plan:        &plan,
		WorkOrder: &store.WorkOrder{
			Objective: "Caching layer",
			Files:     []store.FileAssignment{{Path: "cache.go", Action: "create"}},
		},
	}
	out := Compose(ComposeInput{
		Task:     task,
		Stage:    "plan",
		Feedback: "Previous plan missed invalidation.",
		Knowledge: []*store.KnowledgeEntry{
			{Key: "db-schema", Summary: "tasks table layout"},
		},
	})

	assert.Contains(t, out, "task #12")
	assert.Contains(t, out, "Add caching")
	assert.Contains(t, out, "Cache hot lookups.")
	assert.Contains(t, out, "Previous plan missed invalidation.")
	assert.Contains(t, out, "- db-schema: tasks table layout")
	assert.Contains(t, out, "create cache.go")
	assert.Contains(t, out, "No previous stages.")
	assert.Contains(t, out, "## Handoff")
}

func TestComposeUnknownStageFallsBack(t *testing.T) {
	task := &store.Task{ID: 1, Title: "T"}
	out := Compose(ComposeInput{Task: task, Stage: "mystery"})
	assert.Contains(t, out, "implementation agent")
}
