// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runner

import (
	"context"
	"encoding/json"
	"regexp"

	"go.uber.org/zap"

	"github.com/teradata-labs/clawflow/pkg/store"
)

// toolCallPattern matches XML-wrapped inline tool calls the agent embeds
// in its final output: <tool_call name="X">{JSON}</tool_call>.
var toolCallPattern = regexp.MustCompile(`(?s)<tool_call\s+name="([^"]+)">\s*(\{.*?\})\s*</tool_call>`)

// saveKnowledgeInput is the payload of a save_knowledge inline call.
type saveKnowledgeInput struct {
	Key      string   `json:"key"`
	Summary  string   `json:"summary"`
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
}

// scanInlineToolCalls processes tool calls embedded in the final output.
// Malformed JSON inside a block is logged and skipped; it never aborts
// the run.
func (r *Runner) scanInlineToolCalls(ctx context.Context, p Params, output string) {
	if p.Store == nil {
		return
	}
	for _, m := range toolCallPattern.FindAllStringSubmatch(output, -1) {
		name, payload := m[1], m[2]
		switch name {
		case "save_knowledge":
			var in saveKnowledgeInput
			if err := json.Unmarshal([]byte(payload), &in); err != nil {
				r.logger.Warn("inline tool call parse failed",
					zap.String("tool", name), zap.Error(err))
				continue
			}
			if in.Key == "" {
				continue
			}
			taskRef := jsonInt(p.TaskID)
			// Dedup on (key, status) is the store's responsibility.
			if _, err := p.Store.CreateOrUpdateKnowledge(ctx, &store.KnowledgeEntry{
				Key:      in.Key,
				Summary:  in.Summary,
				Content:  in.Content,
				Category: in.Category,
				Tags:     in.Tags,
				Source:   store.SourcePipeline,
				SourceID: &taskRef,
				Status:   store.KnowledgeCandidate,
			}); err != nil {
				r.logger.Warn("candidate knowledge save failed",
					zap.String("key", in.Key), zap.Error(err))
			}
		default:
			r.logger.Debug("ignoring unknown inline tool call",
				zap.String("tool", name))
		}
	}
}

func jsonInt(v int64) string {
	data, _ := json.Marshal(v)
	return string(data)
}
