// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/clawflow/internal/csync"
	"github.com/teradata-labs/clawflow/internal/log"
	"github.com/teradata-labs/clawflow/pkg/events"
	"github.com/teradata-labs/clawflow/pkg/prompts"
	"github.com/teradata-labs/clawflow/pkg/runner"
	"github.com/teradata-labs/clawflow/pkg/store"
	"github.com/teradata-labs/clawflow/pkg/vcs"
)

// defaultStageTimeout bounds one stage run.
const defaultStageTimeout = 15 * time.Minute

// AgentRunner is the SDK runner surface the engine needs. Satisfied by
// *runner.Runner and by stubs in tests.
type AgentRunner interface {
	Run(ctx context.Context, p runner.Params) (*runner.Result, error)
	Registry() *runner.Registry
}

// Workspace is the VCS surface the engine needs. Satisfied by
// *vcs.Adapter and by stubs in tests.
type Workspace interface {
	CreateWorktree(ctx context.Context, taskID int64, title string) (path, branch string, err error)
	StageCommit(ctx context.Context, taskID int64, stage string) (*vcs.Commit, error)
	StashAndReset(ctx context.Context, taskID int64) (bool, error)
	ResetToStageCommit(ctx context.Context, taskID int64, stage string) error
}

// Hook is a post-stage check run in the task's worktree.
type Hook struct {
	Name     string
	Command  string
	Required bool
}

// Options wires an engine.
type Options struct {
	Store        *store.Store
	VCS          Workspace
	Runner       AgentRunner
	Resolver     *prompts.Resolver
	Bus          *events.Bus
	DefaultModel string
	StageTimeout time.Duration
	// Hooks are post-stage checks keyed by stage.
	Hooks map[string][]Hook
}

// Engine drives tasks through their stage sequences.
type Engine struct {
	store        *store.Store
	vcs          Workspace
	runner       AgentRunner
	resolver     *prompts.Resolver
	bus          *events.Bus
	logger       *zap.Logger
	defaultModel string
	stageTimeout time.Duration
	hooks        map[string][]Hook

	// taskLocks serializes runStage per task; different tasks run their
	// stages concurrently.
	taskLocks *csync.Map[int64, *sync.Mutex]
}

func New(opts Options) *Engine {
	timeout := opts.StageTimeout
	if timeout <= 0 {
		timeout = defaultStageTimeout
	}
	return &Engine{
		store:        opts.Store,
		vcs:          opts.VCS,
		runner:       opts.Runner,
		resolver:     opts.Resolver,
		bus:          opts.Bus,
		logger:       log.With(zap.String("component", "pipeline")),
		defaultModel: opts.DefaultModel,
		stageTimeout: timeout,
		hooks:        opts.Hooks,
		taskLocks:    csync.NewMap[int64, *sync.Mutex](),
	}
}

// SessionKey is the runner session key for a task.
func SessionKey(taskID int64) string {
	return fmt.Sprintf("task-%d", taskID)
}

func (e *Engine) lockTask(taskID int64) func() {
	mu := e.taskLocks.GetOrSet(taskID, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// StartTask moves a backlog task into its first stage and runs it.
func (e *Engine) StartTask(ctx context.Context, taskID int64) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != store.StatusBacklog {
		return fmt.Errorf("%w: task %d is %s, not backlog", store.ErrValidation, taskID, task.Status)
	}

	path, branch, err := e.vcs.CreateWorktree(ctx, taskID, task.Title)
	if err != nil {
		return fmt.Errorf("create worktree for task %d: %w", taskID, err)
	}

	first := sequenceFor(task.Tier)[0]
	if _, err := e.store.UpdateTask(ctx, taskID, map[string]any{
		"status":       stageStatus[first],
		"currentAgent": first,
		"startedAt":    time.Now(),
		"branchName":   branch,
		"worktreePath": path,
	}); err != nil {
		return err
	}
	e.audit(ctx, taskID, first, "start", "task started")

	return e.runStage(ctx, taskID, first, stageInput{})
}

// StepTask re-runs the task's current stage, used after a transient
// failure. Paused tasks must be resumed instead.
func (e *Engine) StepTask(ctx context.Context, taskID int64) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == store.StatusPaused {
		return fmt.Errorf("%w: task %d is paused, resume it instead", store.ErrValidation, taskID)
	}
	if task.CurrentAgent == nil {
		return fmt.Errorf("%w: task %d has no current stage", store.ErrValidation, taskID)
	}
	return e.runStage(ctx, taskID, *task.CurrentAgent, stageInput{})
}

// RunFullPipeline advances through stages until a pausing stage is
// reached (and the task is not in auto mode) or the task leaves the
// running states.
func (e *Engine) RunFullPipeline(ctx context.Context, taskID int64) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == store.StatusBacklog {
		if err := e.StartTask(ctx, taskID); err != nil {
			return err
		}
	}

	for {
		task, err = e.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		switch task.Status {
		case store.StatusDone, store.StatusBlocked, store.StatusPaused, store.StatusBacklog:
			return nil
		}
		if task.CurrentAgent == nil {
			return nil
		}
		before := *task.CurrentAgent
		if err := e.runStage(ctx, taskID, before, stageInput{}); err != nil {
			return err
		}
		after, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		// A stage that did not advance (approval gate, needs_intervention)
		// ends the sweep; looping again would re-run it.
		if after.CurrentAgent != nil && *after.CurrentAgent == before {
			return nil
		}
	}
}

// ApproveStage records the approval and advances the task to the next
// stage, or marks it done at the end of the sequence. A tripped circuit
// breaker blocks the task instead.
func (e *Engine) ApproveStage(ctx context.Context, taskID int64) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.CurrentAgent == nil {
		return fmt.Errorf("%w: task %d has no stage to approve", store.ErrValidation, taskID)
	}
	stage := *task.CurrentAgent
	e.audit(ctx, taskID, stage, "approve", "stage approved")

	next := nextStage(task.Tier, stage)
	if next == "" {
		return e.markDone(ctx, task)
	}

	if !canTransition(task, next) {
		return e.tripBreaker(ctx, task, stage)
	}

	if _, err := e.store.UpdateTask(ctx, taskID, map[string]any{
		"status":       stageStatus[next],
		"currentAgent": next,
	}); err != nil {
		return err
	}
	return e.runStage(ctx, taskID, next, stageInput{})
}

// RejectStage counts the rejection against the circuit breaker and either
// blocks the task or re-runs the stage with the reviewer's feedback.
func (e *Engine) RejectStage(ctx context.Context, taskID int64, feedback string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.CurrentAgent == nil {
		return fmt.Errorf("%w: task %d has no stage to reject", store.ErrValidation, taskID)
	}
	stage := *task.CurrentAgent

	counterField := "implReviewCount"
	count := task.ImplReviewCount + 1
	if planStages[stage] {
		counterField = "planReviewCount"
		count = task.PlanReviewCount + 1
	}
	task, err = e.store.UpdateTask(ctx, taskID, map[string]any{counterField: count})
	if err != nil {
		return err
	}
	e.audit(ctx, taskID, stage, "reject", feedback)

	if breakerTripped(task) {
		return e.tripBreaker(ctx, task, stage)
	}
	return e.runStage(ctx, taskID, stage, stageInput{feedback: feedback})
}

// PauseTask suspends a running task, aborting its session. Idempotent for
// an already-paused task.
func (e *Engine) PauseTask(ctx context.Context, taskID int64, reason string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == store.StatusPaused {
		return nil
	}
	switch task.Status {
	case store.StatusBacklog, store.StatusDone, store.StatusBlocked:
		return fmt.Errorf("%w: task %d is %s, nothing to pause", store.ErrValidation, taskID, task.Status)
	}
	if reason == "" {
		reason = store.PauseManual
	}

	// The status flip lands before the abort so the runner's error path
	// sees paused and does not mark the task blocked.
	if _, err := e.store.UpdateTask(ctx, taskID, map[string]any{
		"pausedFromStatus": task.Status,
		"pauseReason":      reason,
		"status":           store.StatusPaused,
	}); err != nil {
		return err
	}
	e.runner.Registry().AbortSession(SessionKey(taskID))

	e.audit(ctx, taskID, deref(task.CurrentAgent), "pause", reason)
	e.publish(events.KindStagePause, map[string]any{"taskId": taskID, "reason": reason})
	return nil
}

// ResumeTask restores a paused task and continues its stage, resuming the
// prior SDK session when one is recorded.
func (e *Engine) ResumeTask(ctx context.Context, taskID int64) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != store.StatusPaused || task.PausedFromStatus == nil {
		return fmt.Errorf("%w: task %d is not paused", store.ErrValidation, taskID)
	}

	if _, err := e.store.UpdateTask(ctx, taskID, map[string]any{
		"status":           *task.PausedFromStatus,
		"pausedFromStatus": nil,
		"pauseReason":      nil,
	}); err != nil {
		return err
	}
	if task.CurrentAgent == nil {
		return nil
	}
	e.audit(ctx, taskID, *task.CurrentAgent, "resume", "")
	return e.runStage(ctx, taskID, *task.CurrentAgent, stageInput{
		resumeSessionID: deref(task.ActiveSessionID),
	})
}

// RestartToStage rolls a task back to an earlier stage: aborts the
// session, resets the worktree, clears the affected stage outputs, and
// repositions the task. The engine survives any VCS failure by falling
// back to stash-and-reset.
func (e *Engine) RestartToStage(ctx context.Context, taskID int64, targetStage string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	seq := sequenceFor(task.Tier)
	targetIndex := stageIndex(seq, targetStage)
	if targetIndex < 0 {
		return fmt.Errorf("%w: stage %s not in tier %s", store.ErrValidation, targetStage, task.Tier)
	}

	e.runner.Registry().AbortSession(SessionKey(taskID))

	if targetIndex == 0 {
		if _, err := e.vcs.StashAndReset(ctx, taskID); err != nil {
			e.logger.Warn("stash-and-reset failed during restart",
				zap.Int64("task_id", taskID), zap.Error(err))
		}
	} else {
		if err := e.vcs.ResetToStageCommit(ctx, taskID, seq[targetIndex-1]); err != nil {
			e.logger.Warn("reset to stage commit failed, falling back",
				zap.Int64("task_id", taskID), zap.Error(err))
			if _, err := e.vcs.StashAndReset(ctx, taskID); err != nil {
				e.logger.Warn("fallback stash-and-reset failed",
					zap.Int64("task_id", taskID), zap.Error(err))
			}
		}
	}

	patch := map[string]any{
		"status":          stageStatus[targetStage],
		"currentAgent":    targetStage,
		"activeSessionId": nil,
		"contextTokens":   0,
		"contextMax":      0,
		"commitHash":      nil,
		"richHandoff":     nil,
		"todos":           nil,
		"completedAt":     nil,
	}
	for _, stage := range seq[targetIndex:] {
		for _, field := range stageClearFields[stage] {
			if counterFields[field] {
				patch[field] = 0
			} else {
				patch[field] = nil
			}
		}
	}
	if _, err := e.store.UpdateTask(ctx, taskID, patch); err != nil {
		return err
	}
	if err := e.store.ClearHandoffs(ctx, taskID); err != nil {
		return err
	}

	e.audit(ctx, taskID, targetStage, "restart", fmt.Sprintf("restarted to %s", targetStage))
	e.publish(events.KindStageChange, map[string]any{
		"taskId": taskID,
		"action": "restart",
		"stage":  targetStage,
	})
	return nil
}

// markDone finishes a task.
func (e *Engine) markDone(ctx context.Context, task *store.Task) error {
	if _, err := e.store.UpdateTask(ctx, task.ID, map[string]any{
		"status":       store.StatusDone,
		"currentAgent": nil,
		"completedAt":  time.Now(),
	}); err != nil {
		return err
	}
	e.audit(ctx, task.ID, "", "done", "task completed")
	e.publish(events.KindStageChange, map[string]any{
		"taskId": task.ID,
		"action": "done",
	})
	return nil
}

// tripBreaker blocks a task that has exhausted its review attempts.
func (e *Engine) tripBreaker(ctx context.Context, task *store.Task, stage string) error {
	if _, err := e.store.UpdateTask(ctx, task.ID, map[string]any{
		"status": store.StatusBlocked,
	}); err != nil {
		return err
	}
	e.audit(ctx, task.ID, stage, "circuit_breaker",
		fmt.Sprintf("plan=%d impl=%d", task.PlanReviewCount, task.ImplReviewCount))
	e.publish(events.KindCircuitBreaker, map[string]any{
		"taskId":          task.ID,
		"stage":           stage,
		"planReviewCount": task.PlanReviewCount,
		"implReviewCount": task.ImplReviewCount,
	})
	return nil
}

func (e *Engine) audit(ctx context.Context, taskID int64, agent, action, details string) {
	if err := e.store.AppendAgentLog(ctx, &store.AgentLogEntry{
		TaskID:  taskID,
		Agent:   agent,
		Action:  action,
		Details: details,
	}); err != nil {
		e.logger.Warn("audit append failed",
			zap.Int64("task_id", taskID), zap.String("action", action), zap.Error(err))
	}
}

func (e *Engine) publish(kind events.Kind, payload map[string]any) {
	if e.bus != nil {
		e.bus.Publish(kind, payload)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
