// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/clawflow/internal/log"
)

const (
	defaultMaxTokens = 8192
	defaultMaxTurns  = 30
)

// MessagesClient is the subset of the Anthropic SDK the provider uses.
// Satisfied by *sdk.MessageService and by stubs in tests.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicProvider runs agent sessions over the Claude Messages API with
// a local tool executor scoped to the session's working directory.
type AnthropicProvider struct {
	msg          MessagesClient
	defaultModel string
	logger       *zap.Logger

	// histories keeps conversation state per session id so a paused
	// session can be resumed rather than restarted.
	mu        sync.Mutex
	histories map[string][]sdk.MessageParam
}

// NewAnthropicProvider builds a provider from an API key.
func NewAnthropicProvider(apiKey, defaultModel string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicProviderWithClient(&client.Messages, defaultModel), nil
}

// NewAnthropicProviderWithClient wires an explicit messages client, used
// by tests.
func NewAnthropicProviderWithClient(msg MessagesClient, defaultModel string) *AnthropicProvider {
	return &AnthropicProvider{
		msg:          msg,
		defaultModel: defaultModel,
		logger:       log.With(zap.String("component", "anthropic")),
		histories:    make(map[string][]sdk.MessageParam),
	}
}

// StartSession opens a session and drives the agentic loop in a
// goroutine; messages arrive on the returned session's channel.
func (p *AnthropicProvider) StartSession(ctx context.Context, req SessionRequest) (Session, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	s := &anthropicSession{
		id:   req.ResumeSessionID,
		msgs: make(chan Message, 64),
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go p.run(ctx, req, s)
	return s, nil
}

type anthropicSession struct {
	id     string
	msgs   chan Message
	cancel context.CancelFunc

	errMu sync.Mutex
	err   error
}

func (s *anthropicSession) Messages() <-chan Message { return s.msgs }

func (s *anthropicSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *anthropicSession) Close() error {
	s.cancel()
	return nil
}

func (s *anthropicSession) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (p *AnthropicProvider) run(ctx context.Context, req SessionRequest, s *anthropicSession) {
	defer close(s.msgs)

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	p.mu.Lock()
	conversation := append([]sdk.MessageParam(nil), p.histories[s.id]...)
	p.mu.Unlock()
	conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)))

	exec := newToolExecutor(req.WorkDir)
	var totalUsage Usage
	var costUSD float64
	var finalText strings.Builder

	turns := 0
	for ; turns < maxTurns; turns++ {
		if req.NextUserMessages != nil {
			for _, content := range req.NextUserMessages() {
				conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(content)))
			}
		}
		params := sdk.MessageNewParams{
			Model:     sdk.Model(model),
			MaxTokens: defaultMaxTokens,
			Messages:  conversation,
			Tools:     agentToolDefs(),
		}

		message, err := p.streamOneTurn(ctx, params, s, &totalUsage)
		if err != nil {
			s.setErr(err)
			return
		}
		costUSD += turnCost(model, message.Usage)
		conversation = append(conversation, message.ToParam())

		toolResults, text := p.handleBlocks(ctx, message, req, exec, s)
		if text != "" {
			finalText.Reset()
			finalText.WriteString(text)
		}

		if message.StopReason != "tool_use" || len(toolResults) == 0 {
			break
		}
		conversation = append(conversation, sdk.NewUserMessage(toolResults...))
	}

	p.mu.Lock()
	p.histories[s.id] = conversation
	p.mu.Unlock()

	s.emit(ctx, Message{
		Type:       MessageResult,
		Subtype:    "success",
		ResultText: finalText.String(),
		CostUSD:    costUSD,
		Turns:      turns + 1,
		SessionID:  s.id,
		ContextMax: defaultContextMax,
	})
}

// streamOneTurn consumes one streaming Messages call, forwarding text and
// thinking deltas, and returns the accumulated message.
func (p *AnthropicProvider) streamOneTurn(ctx context.Context, params sdk.MessageNewParams, s *anthropicSession, total *Usage) (*sdk.Message, error) {
	stream := p.msg.NewStreaming(ctx, params)
	defer stream.Close()

	var message sdk.Message
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate stream event: %w", err)
		}
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text != "" {
					s.emit(ctx, Message{Type: MessageText, Text: delta.Text})
				}
			case sdk.ThinkingDelta:
				if delta.Thinking != "" {
					s.emit(ctx, Message{Type: MessageThinking, Text: delta.Thinking})
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	usage := Usage{
		InputTokens:     int(message.Usage.InputTokens),
		OutputTokens:    int(message.Usage.OutputTokens),
		CacheReadTokens: int(message.Usage.CacheReadInputTokens),
	}
	total.InputTokens = usage.InputTokens
	total.OutputTokens += usage.OutputTokens
	total.CacheReadTokens = usage.CacheReadTokens
	s.emit(ctx, Message{Type: MessageUsage, Usage: &usage})
	return &message, nil
}

// handleBlocks executes tool-use blocks under the permission callback and
// returns the tool result blocks plus the turn's text.
func (p *AnthropicProvider) handleBlocks(ctx context.Context, message *sdk.Message, req SessionRequest, exec *toolExecutor, s *anthropicSession) ([]sdk.ContentBlockParamUnion, string) {
	var results []sdk.ContentBlockParamUnion
	var text strings.Builder

	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			input := map[string]any{}
			if err := json.Unmarshal(block.Input, &input); err != nil {
				p.logger.Warn("tool input parse failed",
					zap.String("tool", block.Name), zap.Error(err))
			}
			s.emit(ctx, Message{
				Type:      MessageToolUse,
				ToolName:  block.Name,
				ToolID:    block.ID,
				ToolInput: input,
			})

			decision := Allowed()
			if req.CanUseTool != nil {
				decision = req.CanUseTool(block.Name, input)
			}

			var content string
			var isError bool
			if decision.Allow {
				content, isError = exec.Execute(ctx, block.Name, input)
			} else {
				content, isError = "Permission denied: "+decision.Message, true
			}
			s.emit(ctx, Message{
				Type:     MessageToolResult,
				ToolName: block.Name,
				ToolID:   block.ID,
				Text:     content,
			})
			results = append(results, sdk.NewToolResultBlock(block.ID, content, isError))
		}
	}
	return results, text.String()
}

// emit delivers a message unless the session is cancelled.
func (s *anthropicSession) emit(ctx context.Context, msg Message) {
	select {
	case s.msgs <- msg:
	case <-ctx.Done():
	}
}

// pricePerMTok is the approximate cost table used for run accounting,
// USD per million input/output tokens.
var pricePerMTok = map[string][2]float64{
	"opus":   {15, 75},
	"sonnet": {3, 15},
	"haiku":  {1, 5},
}

func turnCost(model string, usage sdk.Usage) float64 {
	rates := pricePerMTok["sonnet"]
	for family, r := range pricePerMTok {
		if strings.Contains(model, family) {
			rates = r
			break
		}
	}
	return float64(usage.InputTokens)*rates[0]/1e6 + float64(usage.OutputTokens)*rates[1]/1e6
}

// agentToolDefs declares the local toolset advertised to the model.
func agentToolDefs() []sdk.ToolUnionParam {
	defs := []struct {
		name, description string
		properties        map[string]any
		required          []string
	}{
		{
			name:        "Read",
			description: "Read a file from the working directory.",
			properties: map[string]any{
				"file_path": map[string]any{"type": "string"},
			},
			required: []string{"file_path"},
		},
		{
			name:        "Write",
			description: "Write content to a file in the working directory, creating it if needed.",
			properties: map[string]any{
				"file_path": map[string]any{"type": "string"},
				"content":   map[string]any{"type": "string"},
			},
			required: []string{"file_path", "content"},
		},
		{
			name:        "Edit",
			description: "Replace an exact string in a file with a new string.",
			properties: map[string]any{
				"file_path":  map[string]any{"type": "string"},
				"old_string": map[string]any{"type": "string"},
				"new_string": map[string]any{"type": "string"},
			},
			required: []string{"file_path", "old_string", "new_string"},
		},
		{
			name:        "Bash",
			description: "Run a shell command in the working directory.",
			properties: map[string]any{
				"command": map[string]any{"type": "string"},
			},
			required: []string{"command"},
		},
		{
			name:        "Glob",
			description: "List files matching a glob pattern.",
			properties: map[string]any{
				"pattern": map[string]any{"type": "string"},
			},
			required: []string{"pattern"},
		},
		{
			name:        "Grep",
			description: "Search file contents with a regular expression.",
			properties: map[string]any{
				"pattern": map[string]any{"type": "string"},
				"path":    map[string]any{"type": "string"},
			},
			required: []string{"pattern"},
		},
		{
			name:        "TodoWrite",
			description: "Record the current todo list for this task.",
			properties: map[string]any{
				"todos": map[string]any{"type": "array"},
			},
			required: []string{"todos"},
		},
	}

	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{
			Properties:  d.properties,
			ExtraFields: map[string]any{"required": d.required},
		}, d.name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(d.description)
		}
		tools = append(tools, u)
	}
	return tools
}
