// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package events carries the streaming event protocol between the core and
// the renderer. Every observable state change in the pipeline, the group
// orchestrator, the SDK runner, and the VCS adapter is published here as a
// typed record; the renderer treats events as idempotent updates.
package events

import "time"

// Kind identifies an event on the core → renderer stream.
type Kind string

// Pipeline and stage lifecycle events.
const (
	KindPipelineStream   Kind = "pipeline:stream"
	KindTodosUpdated     Kind = "pipeline:todos-updated"
	KindApprovalRequest  Kind = "pipeline:approval-request"
	KindStageChange      Kind = "pipeline:stageChange"
	KindStageStart       Kind = "stage:start"
	KindStageComplete    Kind = "stage:complete"
	KindStageError       Kind = "stage:error"
	KindStagePause       Kind = "stage:pause"
	KindCircuitBreaker   Kind = "circuit-breaker"
	KindContextUpdate    Kind = "context-update"
	KindGroupCreated     Kind = "group:created"
	KindGroupStageDone   Kind = "group:task-stage-complete"
	KindGroupPaused      Kind = "group:paused"
	KindGroupCompleted   Kind = "group:completed"
	KindGroupDeleted     Kind = "group:deleted"
	KindGitError         Kind = "git:error"
	KindWorktreeCreated  Kind = "worktree:created"
	KindBranchCreated    Kind = "branch:created"
	KindCommitComplete   Kind = "commit:complete"
	KindPushComplete     Kind = "push:complete"
	KindMergeComplete    Kind = "merge:complete"
	KindMergeConflict    Kind = "merge:conflict"
	KindWorktreeRemoved  Kind = "worktree:removed"
	KindBranchDeleted    Kind = "branch:deleted"
)

// Event is one record on the stream.
type Event struct {
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// StreamPayload is the payload shape for pipeline:stream events.
type StreamPayload struct {
	TaskID    int64  `json:"taskId"`
	Agent     string `json:"agent"`
	Type      string `json:"type"` // text, tool_use, context, thinking
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}
