// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/clawflow/pkg/events"
	"github.com/teradata-labs/clawflow/pkg/prompts"
	"github.com/teradata-labs/clawflow/pkg/runner"
	"github.com/teradata-labs/clawflow/pkg/store"
	"github.com/teradata-labs/clawflow/pkg/vcs"
)

// stageInput carries per-invocation extras into runStage.
type stageInput struct {
	feedback        string
	resumeSessionID string
}

var (
	reviewScorePattern = regexp.MustCompile(`(?i)(?:score|rating)\s*[:=]\s*(\d+(?:\.\d+)?)`)
	testsPassedPattern = regexp.MustCompile(`(?i)tests passed`)
	commitHashPattern  = regexp.MustCompile(`commit ([0-9a-f]{7,40})`)
)

// runStage executes one stage for one task: compose, run, parse, persist,
// dispatch. Concurrent calls for the same task are serialized.
func (e *Engine) runStage(ctx context.Context, taskID int64, stage string, in stageInput) error {
	unlock := e.lockTask(taskID)
	defer unlock()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	cfg := stageConfigs[stage]

	e.publish(events.KindStageStart, map[string]any{"taskId": taskID, "stage": stage})
	e.audit(ctx, taskID, stage, "stage_start", "")

	prompt, err := e.composePrompt(ctx, task, stage, in.feedback)
	if err != nil {
		return err
	}

	model := cfg.Model
	if model == "" {
		model = e.defaultModel
	}

	// The timeout is cleared on every exit path; a pause racing the
	// failure must win (see the error branch).
	runCtx, cancel := context.WithTimeout(ctx, e.stageTimeout)
	result, runErr := e.runner.Run(runCtx, runner.Params{
		Prompt:          prompt,
		Model:           model,
		MaxTurns:        cfg.MaxTurns,
		WorkDir:         deref(task.WorktreePath),
		TaskID:          taskID,
		AutoMode:        task.AutoMode,
		Stage:           stage,
		ResumeSessionID: in.resumeSessionID,
		SessionKey:      SessionKey(taskID),
		Store:           e.store,
	})
	cancel()

	if runErr != nil {
		return e.failStage(ctx, taskID, stage, runErr)
	}

	if result.SessionID != "" {
		if _, err := e.store.UpdateTask(ctx, taskID, map[string]any{
			"activeSessionId": result.SessionID,
		}); err != nil {
			e.logger.Warn("session id persist failed", zap.Int64("task_id", taskID), zap.Error(err))
		}
	}

	handoff := prompts.ParseHandoff(result.Output, stage)
	handoff.TaskID = taskID
	handoff.Agent = stage
	handoff.Model = model

	// The handoff row lands before stage:complete is emitted.
	if _, err := e.store.AppendHandoff(ctx, handoff); err != nil {
		return fmt.Errorf("append handoff for task %d: %w", taskID, err)
	}

	commit, commitErr := e.vcs.StageCommit(ctx, taskID, stage)
	if commitErr != nil {
		e.logger.Warn("stage commit failed",
			zap.Int64("task_id", taskID), zap.String("stage", stage), zap.Error(commitErr))
	}

	if err := e.writeStageOutputs(ctx, task, stage, result.Output, commit); err != nil {
		return err
	}
	e.audit(ctx, taskID, stage, "stage_complete", handoff.Summary)

	if failed := e.runPostHooks(ctx, taskID, stage, deref(task.WorktreePath)); len(failed) > 0 {
		return e.blockOnHooks(ctx, taskID, stage, failed)
	}

	return e.dispatchHandoff(ctx, taskID, stage, handoff)
}

// composePrompt assembles the stage prompt from the task, history, skill,
// knowledge index, and optional reviewer feedback.
func (e *Engine) composePrompt(ctx context.Context, task *store.Task, stage, feedback string) (string, error) {
	handoffs, err := e.store.ListHandoffs(ctx, task.ID)
	if err != nil {
		return "", err
	}
	knowledge, err := e.store.ListKnowledge(ctx, "", store.KnowledgeActive)
	if err != nil {
		return "", err
	}

	skillName := stageConfigs[stage].Skill
	if task.AssignedSkill != nil && *task.AssignedSkill != "" {
		skillName = *task.AssignedSkill
	}

	return prompts.Compose(prompts.ComposeInput{
		Task:      task,
		Stage:     stage,
		Handoffs:  handoffs,
		Skill:     e.resolver.Resolve(skillName),
		Feedback:  feedback,
		Knowledge: knowledge,
	}), nil
}

// failStage handles an SDK error. A task paused mid-run keeps its paused
// status; the pause wins the race with the error path.
func (e *Engine) failStage(ctx context.Context, taskID int64, stage string, runErr error) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != store.StatusPaused {
		if _, err := e.store.UpdateTask(ctx, taskID, map[string]any{
			"status": store.StatusBlocked,
		}); err != nil {
			e.logger.Warn("block-on-error persist failed",
				zap.Int64("task_id", taskID), zap.Error(err))
		}
	}
	e.audit(ctx, taskID, stage, "stage_error", runErr.Error())
	e.publish(events.KindStageError, map[string]any{
		"taskId": taskID,
		"stage":  stage,
		"error":  runErr.Error(),
	})
	return fmt.Errorf("stage %s for task %d: %w", stage, taskID, runErr)
}

// writeStageOutputs persists the stage's output field(s) per the stage
// output map.
func (e *Engine) writeStageOutputs(ctx context.Context, task *store.Task, stage, output string, commit *vcs.Commit) error {
	patch := map[string]any{}
	switch stage {
	case StageBrainstorm:
		patch["brainstormOutput"] = output
	case StageDesignReview:
		patch["designReview"] = output
	case StagePlan:
		patch["plan"] = output
	case StageImplement:
		patch["implementationNotes"] = output
	case StageCodeReview:
		patch["reviewComments"] = output
		if m := reviewScorePattern.FindStringSubmatch(output); m != nil {
			if score, err := strconv.ParseFloat(m[1], 64); err == nil {
				patch["reviewScore"] = score
			}
		}
	case StageVerify:
		patch["verifyResult"] = output
		results, _ := json.Marshal(map[string]any{
			"passed": testsPassedPattern.MatchString(output),
		})
		patch["testResults"] = string(results)
	}

	// The hash lands on the task only with the tier's final stage;
	// mid-pipeline commits stay branch-local.
	if nextStage(task.Tier, stage) == "" {
		if commit != nil {
			patch["commitHash"] = commit.Hash
		} else if m := commitHashPattern.FindStringSubmatch(output); m != nil {
			patch["commitHash"] = m[1]
		}
	}

	_, err := e.store.UpdateTask(ctx, task.ID, patch)
	return err
}

// dispatchHandoff applies the handoff status to the task's position.
func (e *Engine) dispatchHandoff(ctx context.Context, taskID int64, stage string, handoff *store.Handoff) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	// A pause that landed during the run wins over dispatch.
	if task.Status == store.StatusPaused {
		return nil
	}

	switch {
	case handoff.Status == store.HandoffBlocked:
		if _, err := e.store.UpdateTask(ctx, taskID, map[string]any{
			"status": store.StatusBlocked,
		}); err != nil {
			return err
		}
		e.publish(events.KindStageError, map[string]any{
			"taskId": taskID,
			"stage":  stage,
			"error":  handoff.Summary,
		})
		return nil

	case handoff.Status == store.HandoffNeedsIntervention || handoff.OpenQuestions != "":
		e.publish(events.KindStagePause, map[string]any{
			"taskId":    taskID,
			"stage":     stage,
			"questions": handoff.OpenQuestions,
		})
		return nil
	}

	e.publish(events.KindStageComplete, map[string]any{
		"taskId":  taskID,
		"stage":   stage,
		"summary": handoff.Summary,
	})

	if stageConfigs[stage].Pauses && !task.AutoMode {
		return nil
	}

	next := nextStage(task.Tier, stage)
	if next == "" {
		return e.markDone(ctx, task)
	}
	if !canTransition(task, next) {
		return e.tripBreaker(ctx, task, stage)
	}
	_, err = e.store.UpdateTask(ctx, taskID, map[string]any{
		"status":       stageStatus[next],
		"currentAgent": next,
	})
	return err
}

// runPostHooks executes the stage's post-stage checks in the worktree and
// returns the names of failed required hooks.
func (e *Engine) runPostHooks(ctx context.Context, taskID int64, stage, workDir string) []string {
	hooks := e.hooks[stage]
	if len(hooks) == 0 || workDir == "" {
		return nil
	}

	var failed []string
	for _, h := range hooks {
		hookCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		cmd := exec.CommandContext(hookCtx, "sh", "-c", h.Command)
		cmd.Dir = workDir
		out, err := cmd.CombinedOutput()
		cancel()
		if err == nil {
			continue
		}
		e.logger.Warn("post-stage hook failed",
			zap.Int64("task_id", taskID),
			zap.String("stage", stage),
			zap.String("hook", h.Name),
			zap.Error(err))
		e.audit(ctx, taskID, stage, "hook_failed",
			fmt.Sprintf("%s: %s", h.Name, strings.TrimSpace(string(out))))
		if h.Required {
			failed = append(failed, h.Name)
		}
	}
	return failed
}

// blockOnHooks marks the task blocked with one bold line per failed hook.
// Hook failure does not feed the rejection counters.
func (e *Engine) blockOnHooks(ctx context.Context, taskID int64, stage string, failed []string) error {
	var summary strings.Builder
	summary.WriteString("Required post-stage checks failed:\n")
	for _, name := range failed {
		fmt.Fprintf(&summary, "**%s**\n", name)
	}

	if _, err := e.store.UpdateTask(ctx, taskID, map[string]any{
		"status": store.StatusBlocked,
	}); err != nil {
		return err
	}
	e.audit(ctx, taskID, stage, "blocked", summary.String())
	e.publish(events.KindStageError, map[string]any{
		"taskId": taskID,
		"stage":  stage,
		"error":  summary.String(),
	})
	return nil
}
