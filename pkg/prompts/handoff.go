// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package prompts

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/teradata-labs/clawflow/pkg/store"
)

// handoffSection matches the start of the structured handoff block,
// tolerating heading level and case.
var handoffSection = regexp.MustCompile(`(?im)^#{0,4}\s*handoff\s*$`)

// handoffField matches "Field Name: value" lines; values continue until
// the next field or end of section.
var handoffField = regexp.MustCompile(`(?im)^(status|summary|key decisions|open questions|files modified|next stage needs|warnings)\s*:\s*`)

// ParseHandoff extracts the structured Handoff section from agent output.
// A missing section synthesizes a completed handoff with empty fields, so
// a malformed agent response never crashes a stage.
func ParseHandoff(output, stage string) *store.Handoff {
	h := &store.Handoff{Stage: stage, Status: store.HandoffCompleted}

	loc := handoffSection.FindStringIndex(output)
	if loc == nil {
		return h
	}
	body := output[loc[1]:]

	matches := handoffField.FindAllStringSubmatchIndex(body, -1)
	for i, m := range matches {
		name := strings.ToLower(body[m[2]:m[3]])
		end := len(body)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		value := strings.TrimSpace(body[m[1]:end])
		if value == "none" {
			value = ""
		}
		switch name {
		case "status":
			h.Status = normalizeStatus(value)
		case "summary":
			h.Summary = value
		case "key decisions":
			h.KeyDecisions = value
		case "open questions":
			h.OpenQuestions = value
		case "files modified":
			h.FilesModified = value
		case "next stage needs":
			h.NextStageNeeds = value
		case "warnings":
			h.Warnings = value
		}
	}
	return h
}

func normalizeStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	// Agents sometimes echo the whole "a | b | c" menu; pick the first token.
	if cut, _, ok := strings.Cut(s, "|"); ok {
		s = strings.TrimSpace(cut)
	}
	switch s {
	case store.HandoffBlocked, store.HandoffNeedsIntervention:
		return s
	default:
		return store.HandoffCompleted
	}
}

// FormatPreviousHandoff renders the most recent handoff for prompt
// inclusion. Nil or empty input returns the sentinel.
func FormatPreviousHandoff(handoffs []*store.Handoff) string {
	if len(handoffs) == 0 {
		return "No previous stages."
	}
	return formatOne(handoffs[len(handoffs)-1])
}

// FormatHandoffChain renders the full ordered handoff history. Nil or
// empty input returns the sentinel.
func FormatHandoffChain(handoffs []*store.Handoff) string {
	if len(handoffs) == 0 {
		return "No handoff history."
	}
	parts := make([]string, 0, len(handoffs))
	for _, h := range handoffs {
		parts = append(parts, formatOne(h))
	}
	return strings.Join(parts, "\n---\n")
}

func formatOne(h *store.Handoff) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", h.Stage, h.Summary)
	writeField(&b, "Key decisions", h.KeyDecisions)
	writeField(&b, "Open questions", h.OpenQuestions)
	writeField(&b, "Files modified", h.FilesModified)
	writeField(&b, "Next stage needs", h.NextStageNeeds)
	writeField(&b, "Warnings", h.Warnings)
	return strings.TrimRight(b.String(), "\n")
}

func writeField(b *strings.Builder, label, value string) {
	if value != "" {
		fmt.Fprintf(b, "%s: %s\n", label, value)
	}
}

// DecodeHandoffs tolerates the two historical shapes of a task's handoffs
// column: a parsed array or a JSON string. Malformed JSON is an empty
// list, never an error.
func DecodeHandoffs(raw any) []*store.Handoff {
	switch v := raw.(type) {
	case nil:
		return nil
	case []*store.Handoff:
		return v
	case []store.Handoff:
		out := make([]*store.Handoff, len(v))
		for i := range v {
			out[i] = &v[i]
		}
		return out
	case string:
		var out []*store.Handoff
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil
		}
		return out
	case []byte:
		var out []*store.Handoff
		if err := json.Unmarshal(v, &out); err != nil {
			return nil
		}
		return out
	default:
		return nil
	}
}
