// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runner

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/clawflow/pkg/events"
)

// readOnlyTools never touch the filesystem or only read it.
var readOnlyTools = map[string]bool{
	"Read":      true,
	"Glob":      true,
	"Grep":      true,
	"WebSearch": true,
	"WebFetch":  true,
}

// orchestrationTools are bookkeeping calls the agent makes about its own
// task and team state; they carry no filesystem or network risk.
var orchestrationTools = map[string]bool{
	"TaskCreate": true,
	"TaskUpdate": true,
	"TaskList":   true,
	"TodoWrite":  true,
	"TeamStatus": true,
}

// Broker decides tool-use permissions for one session. Requests that no
// rule allows suspend on renderer approval, unless the task runs in auto
// mode.
type Broker struct {
	registry *Registry
	bus      *events.Bus
	logger   *zap.Logger
}

func NewBroker(registry *Registry, bus *events.Bus, logger *zap.Logger) *Broker {
	return &Broker{registry: registry, bus: bus, logger: logger}
}

// brokerParams is the per-run context a decision needs.
type brokerParams struct {
	taskID            int64
	workDir           string
	autoMode          bool
	sessionKey        string
	onApprovalRequest func(requestID, toolName string, input map[string]any)
}

// Decide applies the permission rules in order. It blocks while waiting
// for renderer approval; an aborted session denies with "Session ended".
func (b *Broker) Decide(p brokerParams, toolName string, input map[string]any) Decision {
	if readOnlyTools[toolName] || orchestrationTools[toolName] {
		return Allowed()
	}

	if toolName == "Write" || toolName == "Edit" {
		if path, ok := input["file_path"].(string); ok && insideDir(p.workDir, path) {
			// The agent may write into directories it has not created yet.
			if err := os.MkdirAll(filepath.Dir(absIn(p.workDir, path)), 0o755); err != nil {
				b.logger.Warn("mkdir for tool write failed",
					zap.String("path", path), zap.Error(err))
			}
			return Allowed()
		}
	}

	if toolName == "Bash" {
		if cmd, ok := input["command"].(string); ok && strings.HasPrefix(cmd, "mkdir ") {
			return Allowed()
		}
	}

	if p.autoMode {
		return Allowed()
	}

	return b.await(p, toolName, input)
}

// await suspends until the renderer resolves the minted request.
func (b *Broker) await(p brokerParams, toolName string, input map[string]any) Decision {
	requestID, ch, ok := b.registry.AddApproval(p.sessionKey)
	if !ok {
		return Denied(sessionEndedMessage)
	}

	if p.onApprovalRequest != nil {
		p.onApprovalRequest(requestID, toolName, input)
	}
	if b.bus != nil {
		b.bus.Publish(events.KindApprovalRequest, map[string]any{
			"requestId": requestID,
			"taskId":    p.taskID,
			"toolName":  toolName,
			"input":     input,
		})
	}

	approval := <-ch
	if !approval.Approved {
		msg := approval.Message
		if msg == "" {
			msg = "Denied by user"
		}
		return Denied(msg)
	}
	return Allowed()
}

// insideDir reports whether path resolves within dir. Relative paths are
// resolved against dir.
func insideDir(dir, path string) bool {
	if dir == "" {
		return false
	}
	abs := absIn(dir, path)
	rel, err := filepath.Rel(dir, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func absIn(dir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(dir, path)
}
