// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/clawflow/internal/log"
	"github.com/teradata-labs/clawflow/pkg/events"
	"github.com/teradata-labs/clawflow/pkg/store"
)

// defaultContextMax is assumed until the provider reports the real window.
const defaultContextMax = 200000

// Params configures one run.
type Params struct {
	Prompt   string
	Model    string
	MaxTurns int
	WorkDir  string
	TaskID   int64
	AutoMode bool
	Stage    string

	// ResumeSessionID continues a prior provider session.
	ResumeSessionID string
	// SessionKey registers the run for external abort and approvals.
	SessionKey string

	OnStream          func(content, streamType string, extra map[string]any)
	OnApprovalRequest func(requestID, toolName string, input map[string]any)

	// Store, when set, receives inline artifacts: todo patches, context
	// usage, and candidate knowledge scanned from the output.
	Store *store.Store
}

// Result is the terminal outcome of a run.
type Result struct {
	Output        string  `json:"output"`
	CostUSD       float64 `json:"costUsd"`
	Turns         int     `json:"turns"`
	SessionID     string  `json:"sessionId"`
	ContextTokens int     `json:"contextTokens"`
	ContextMax    int     `json:"contextMax"`
	Usage         Usage   `json:"usage"`
}

// Runner executes agent sessions against a provider.
type Runner struct {
	provider SessionProvider
	registry *Registry
	broker   *Broker
	bus      *events.Bus
	logger   *zap.Logger
}

func New(provider SessionProvider, registry *Registry, bus *events.Bus) *Runner {
	logger := log.With(zap.String("component", "runner"))
	return &Runner{
		provider: provider,
		registry: registry,
		broker:   NewBroker(registry, bus, logger),
		bus:      bus,
		logger:   logger,
	}
}

// Registry exposes the session registry for abort and approval plumbing.
func (r *Runner) Registry() *Registry { return r.registry }

// Run executes one interaction with bounded retries. The run's cancel is
// registered under SessionKey; aborting the key cancels the in-flight
// stream or the pending retry sleep, whichever is live. On any terminal
// exit unresolved approvals are denied with "Session ended".
func (r *Runner) Run(ctx context.Context, p Params) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if p.SessionKey != "" {
		r.registry.Register(p.SessionKey, cancel)
		defer r.registry.Deregister(p.SessionKey)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := r.consume(ctx, p)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryable(err) || attempt >= maxRetries {
			break
		}

		delay := retryDelay(err, attempt)
		r.logger.Warn("retrying after transient failure",
			zap.Int64("task_id", p.TaskID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("task %d %s run: %w", p.TaskID, p.Stage, lastErr)
}

// consume opens one session and drains its stream.
func (r *Runner) consume(ctx context.Context, p Params) (*Result, error) {
	bp := brokerParams{
		taskID:            p.TaskID,
		workDir:           p.WorkDir,
		autoMode:          p.AutoMode,
		sessionKey:        p.SessionKey,
		onApprovalRequest: p.OnApprovalRequest,
	}
	sess, err := r.provider.StartSession(ctx, SessionRequest{
		Prompt:          p.Prompt,
		Model:           p.Model,
		MaxTurns:        p.MaxTurns,
		WorkDir:         p.WorkDir,
		ResumeSessionID: p.ResumeSessionID,
		CanUseTool: func(toolName string, input map[string]any) Decision {
			return r.broker.Decide(bp, toolName, input)
		},
		NextUserMessages: func() []string {
			if p.SessionKey == "" {
				return nil
			}
			return r.registry.TakeMessages(p.SessionKey)
		},
	})
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	result := &Result{ContextMax: defaultContextMax}
	var output strings.Builder
	todos := newTodoDebouncer(ctx, p, r.bus, r.logger)
	defer todos.flush()

	for msg := range sess.Messages() {
		switch msg.Type {
		case MessageText:
			output.WriteString(msg.Text)
			if p.SessionKey != "" {
				r.registry.RecordOutput(p.SessionKey, msg.Text)
			}
			r.stream(p, msg.Text, "text", nil)
		case MessageThinking:
			r.stream(p, msg.Text, "thinking", nil)
		case MessageToolUse:
			if isTodoTool(msg.ToolName) {
				todos.update(msg.ToolInput)
			}
			r.stream(p, msg.ToolName, "tool_use", msg.ToolInput)
		case MessageUsage:
			result.Usage = *msg.Usage
			result.ContextTokens = msg.Usage.InputTokens + msg.Usage.CacheReadTokens
			r.publishContext(ctx, p, result)
		case MessageResult:
			result.CostUSD = msg.CostUSD
			result.Turns = msg.Turns
			result.SessionID = msg.SessionID
			if msg.ContextMax > 0 {
				result.ContextMax = msg.ContextMax
			}
			if msg.Subtype == "success" && msg.ResultText != "" {
				output.Reset()
				output.WriteString(msg.ResultText)
			}
		}
	}
	if err := sess.Err(); err != nil {
		return nil, err
	}

	result.Output = output.String()
	r.scanInlineToolCalls(ctx, p, result.Output)
	return result, nil
}

func (r *Runner) stream(p Params, content, streamType string, extra map[string]any) {
	if p.OnStream != nil {
		p.OnStream(content, streamType, extra)
	}
	if r.bus != nil {
		payload := map[string]any{
			"taskId":  p.TaskID,
			"agent":   p.Stage,
			"type":    streamType,
			"content": content,
		}
		for k, v := range extra {
			payload[k] = v
		}
		r.bus.Publish(events.KindPipelineStream, payload)
	}
}

// publishContext emits the synthetic context stream marker and persists
// the task's context usage.
func (r *Runner) publishContext(ctx context.Context, p Params, result *Result) {
	marker := fmt.Sprintf("__context:%d:%d", result.ContextTokens, result.ContextMax)
	r.stream(p, marker, "context", nil)
	if r.bus != nil {
		r.bus.Publish(events.KindContextUpdate, map[string]any{
			"taskId":        p.TaskID,
			"contextTokens": result.ContextTokens,
			"contextMax":    result.ContextMax,
		})
	}
	if p.Store != nil {
		if _, err := p.Store.UpdateTask(ctx, p.TaskID, map[string]any{
			"contextTokens": result.ContextTokens,
			"contextMax":    result.ContextMax,
		}); err != nil {
			r.logger.Warn("context usage persist failed",
				zap.Int64("task_id", p.TaskID), zap.Error(err))
		}
	}
}

func isTodoTool(name string) bool {
	switch name {
	case "TaskCreate", "TaskUpdate", "TodoWrite":
		return true
	}
	return false
}
