// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package runner executes one LLM agent interaction to completion: it
// streams messages, mediates tool permissions, retries transient failures
// and supports cancellation across concurrent sessions.
package runner

import "context"

// MessageType discriminates stream messages.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageThinking   MessageType = "thinking"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageUsage      MessageType = "usage"
	MessageResult     MessageType = "result"
)

// Usage is the token accounting for one assistant turn.
type Usage struct {
	InputTokens     int `json:"inputTokens"`
	OutputTokens    int `json:"outputTokens"`
	CacheReadTokens int `json:"cacheReadTokens"`
}

// Message is one unit of an agent session stream.
type Message struct {
	Type MessageType

	// Text carries content for text and thinking messages.
	Text string

	// Tool-use fields.
	ToolName  string
	ToolID    string
	ToolInput map[string]any

	// Usage is set on usage messages.
	Usage *Usage

	// Result fields, set on the final result message.
	Subtype    string // "success" or "error"
	ResultText string
	CostUSD    float64
	Turns      int
	SessionID  string
	ContextMax int
}

// Decision is a permission broker verdict for one tool-use request.
type Decision struct {
	Allow   bool
	Message string
}

// Allowed and Denied build the common verdicts.
func Allowed() Decision              { return Decision{Allow: true} }
func Denied(message string) Decision { return Decision{Message: message} }

// SessionRequest describes one agent session to open.
type SessionRequest struct {
	Prompt          string
	Model           string
	MaxTurns        int
	WorkDir         string
	ResumeSessionID string

	// CanUseTool is consulted before every tool execution. A nil func
	// allows everything.
	CanUseTool func(toolName string, input map[string]any) Decision

	// NextUserMessages, when set, is drained before each turn; returned
	// strings are inserted into the conversation as user messages. Used
	// for agent messaging from the group orchestrator.
	NextUserMessages func() []string
}

// Session is one in-flight agent interaction. The message channel closes
// when the session ends; Err reports the terminal error, if any.
type Session interface {
	Messages() <-chan Message
	Err() error
	Close() error
}

// SessionProvider opens agent sessions. Satisfied by the Anthropic-backed
// provider and by stubs in tests.
type SessionProvider interface {
	StartSession(ctx context.Context, req SessionRequest) (Session, error)
}
