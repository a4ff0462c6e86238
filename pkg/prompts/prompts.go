// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package prompts assembles stage prompts and parses structured handoffs
// from agent output.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/teradata-labs/clawflow/pkg/store"
)

// Interpolate replaces {{key}} placeholders with corresponding values.
// Example: "Hello {{name}}!" with {"name": "World"} becomes "Hello World!".
// Unknown placeholders are left in place.
func Interpolate(s string, vars map[string]string) string {
	if s == "" || len(vars) == 0 {
		return s
	}
	result := s
	for key, value := range vars {
		placeholder := fmt.Sprintf("{{%s}}", key)
		result = strings.ReplaceAll(result, placeholder, value)
	}
	return result
}

// stageTemplates are the built-in system prompts, keyed by stage. Each
// carries the handoff contract the parser on the other end expects.
var stageTemplates = map[string]string{
	"brainstorm": `You are the brainstorm agent for task #{{taskId}}: {{title}}.

{{description}}

Explore the problem space. Consider at least two approaches, their
trade-offs, and which you recommend. Do not write implementation code.

{{skill}}{{knowledge}}{{workOrder}}{{feedback}}
Previous stage handoff:
{{previousHandoff}}
` + handoffContract,

	"design_review": `You are the design review agent for task #{{taskId}}: {{title}}.

Review the brainstorm output below for architectural soundness, missing
requirements, and risk. Flag anything that should change before planning.

{{brainstormOutput}}

{{skill}}{{knowledge}}{{feedback}}
Handoff history:
{{handoffChain}}
` + handoffContract,

	"plan": `You are the planning agent for task #{{taskId}}: {{title}}.

{{description}}

Produce a concrete implementation plan: the files to create or modify,
the order of changes, and how each will be verified.

{{skill}}{{knowledge}}{{workOrder}}{{feedback}}
Previous stage handoff:
{{previousHandoff}}
` + handoffContract,

	"implement": `You are the implementation agent for task #{{taskId}}: {{title}}.

Execute the plan below in the working directory. Make the changes, keep
them minimal, and note anything that diverged from the plan.

{{plan}}

{{skill}}{{knowledge}}{{workOrder}}{{feedback}}
Handoff history:
{{handoffChain}}
` + handoffContract,

	"code_review": `You are the code review agent for task #{{taskId}}: {{title}}.

Review the implementation in the working directory against the plan.
Rate it with a line "score: N" from 1 to 10 and list required changes.

{{skill}}{{knowledge}}{{feedback}}
Previous stage handoff:
{{previousHandoff}}
` + handoffContract,

	"verify": `You are the verification agent for task #{{taskId}}: {{title}}.

Run the project's tests and checks in the working directory. Report
results plainly, including the phrase "tests passed" only when they did.

{{skill}}{{knowledge}}{{feedback}}
Handoff history:
{{handoffChain}}
` + handoffContract,
}

const handoffContract = `
End your response with a Handoff section in exactly this form:

## Handoff
Status: completed | blocked | needs_intervention
Summary: <one paragraph>
Key Decisions: <list or "none">
Open Questions: <list or "none">
Files Modified: <list or "none">
Next Stage Needs: <what the next stage must know>
Warnings: <list or "none">
`

// Resolver resolves skill content by name: override → project → global →
// built-in default. Skills are markdown files named {skill}.md.
type Resolver struct {
	Overrides  map[string]string // skill name -> content, highest priority
	ProjectDir string            // {project}/.clawflow/skills
	GlobalDir  string            // ~/.clawflow/skills
}

// defaultSkills ship with the binary so every stage has a usable prompt
// out of the box.
var defaultSkills = map[string]string{
	"brainstorm":    "Favor simple designs. Name rejected alternatives and why.",
	"design-review": "Check for missing error paths, concurrency hazards, and scope creep.",
	"plan":          "Plans list concrete files and verification steps, not intentions.",
	"implement":     "Match the surrounding code style. Commit-sized changes only.",
	"code-review":   "Review for correctness first, style second. Always give a score line.",
	"verify":        "Run the narrowest test command that covers the change, then the full suite.",
}

// Resolve returns the skill content for name, or "" when the skill is
// unknown at every level.
func (r *Resolver) Resolve(name string) string {
	if name == "" {
		return ""
	}
	if r != nil {
		if content, ok := r.Overrides[name]; ok {
			return content
		}
		for _, dir := range []string{r.ProjectDir, r.GlobalDir} {
			if dir == "" {
				continue
			}
			if data, err := os.ReadFile(filepath.Join(dir, name+".md")); err == nil {
				return string(data)
			}
		}
	}
	return defaultSkills[name]
}

// ComposeInput carries everything prompt assembly needs for one stage run.
type ComposeInput struct {
	Task      *store.Task
	Stage     string
	Handoffs  []*store.Handoff
	Skill     string // resolved skill content
	Feedback  string // reviewer feedback on re-run after rejection
	Knowledge []*store.KnowledgeEntry
}

// Compose builds the full prompt for a stage run.
func Compose(in ComposeInput) string {
	tmpl, ok := stageTemplates[in.Stage]
	if !ok {
		tmpl = stageTemplates["implement"]
	}

	vars := map[string]string{
		"taskId":           fmt.Sprintf("%d", in.Task.ID),
		"title":            in.Task.Title,
		"description":      in.Task.Description,
		"stage":            in.Stage,
		"brainstormOutput": deref(in.Task.BrainstormOutput),
		"plan":             deref(in.Task.Plan),
		"previousHandoff":  FormatPreviousHandoff(in.Handoffs),
		"handoffChain":     FormatHandoffChain(in.Handoffs),
		"skill":            section("Skill guidance", in.Skill),
		"knowledge":        section("Domain knowledge index", knowledgeIndex(in.Knowledge)),
		"workOrder":        section("Work order", formatWorkOrder(in.Task.WorkOrder)),
		"feedback":         section("Reviewer feedback on the previous attempt", in.Feedback),
	}
	return Interpolate(tmpl, vars)
}

// section renders an optional titled block, empty when there is no body.
func section(title, body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	return fmt.Sprintf("%s:\n%s\n\n", title, strings.TrimSpace(body))
}

// knowledgeIndex renders one line per active entry: key plus summary. The
// agent asks for full content by key if it needs more.
func knowledgeIndex(entries []*store.KnowledgeEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s: %s\n", e.Key, e.Summary)
	}
	return b.String()
}

func formatWorkOrder(wo *store.WorkOrder) string {
	if wo == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", wo.Objective)
	for _, f := range wo.Files {
		fmt.Fprintf(&b, "- %s %s", f.Action, f.Path)
		if f.Notes != "" {
			fmt.Fprintf(&b, " (%s)", f.Notes)
		}
		b.WriteByte('\n')
	}
	if len(wo.Patterns) > 0 {
		fmt.Fprintf(&b, "Patterns: %s\n", strings.Join(wo.Patterns, "; "))
	}
	if wo.IntegrationNotes != "" {
		fmt.Fprintf(&b, "Integration: %s\n", wo.IntegrationNotes)
	}
	if len(wo.Constraints) > 0 {
		fmt.Fprintf(&b, "Constraints: %s\n", strings.Join(wo.Constraints, "; "))
	}
	if len(wo.Tests) > 0 {
		fmt.Fprintf(&b, "Tests: %s\n", strings.Join(wo.Tests, "; "))
	}
	return b.String()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
