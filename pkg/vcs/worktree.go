// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package vcs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/clawflow/pkg/config"
	"github.com/teradata-labs/clawflow/pkg/events"
)

// StageCommitMessage is the canonical commit message for a completed stage.
// Restart searches the branch log for this exact string.
func StageCommitMessage(taskID int64, stage string) string {
	return fmt.Sprintf("task/%d: complete %s stage", taskID, stage)
}

// BranchName builds the task branch name: task/{id}-{slug} with a
// lowercased, ASCII-only, 40-char slug.
func BranchName(taskID int64, title string) string {
	return fmt.Sprintf("task/%d-%s", taskID, slugify(title))
}

func slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 40 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// CreateWorktree creates the task branch and its worktree directory in one
// step, forked from the base branch. Idempotent: an existing worktree's
// path is returned unchanged.
func (a *Adapter) CreateWorktree(ctx context.Context, taskID int64, title string) (path, branch string, err error) {
	a.mu.Lock()
	if existing, ok := a.worktrees[taskID]; ok {
		branch = a.branches[taskID]
		a.mu.Unlock()
		return existing, branch, nil
	}
	base := a.baseBranch
	a.mu.Unlock()

	branch = BranchName(taskID, title)
	path = config.WorktreePath(a.projectPath, taskID)

	l := a.lockFor(a.projectPath)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", fmt.Errorf("create worktree root: %w", err)
	}

	// A branch may survive a removed worktree; reuse it instead of -b.
	args := []string{"worktree", "add", path, "-b", branch, base}
	if _, err := a.gitQuiet(ctx, a.projectPath, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		args = []string{"worktree", "add", path, branch}
	}
	if _, err := a.git(ctx, a.projectPath, args...); err != nil {
		return "", "", err
	}

	a.mu.Lock()
	a.worktrees[taskID] = path
	a.branches[taskID] = branch
	a.mu.Unlock()

	a.emit(events.KindBranchCreated, map[string]any{"taskId": taskID, "branch": branch})
	a.emit(events.KindWorktreeCreated, map[string]any{"taskId": taskID, "path": path})
	a.logger.Info("worktree created",
		zap.Int64("task_id", taskID), zap.String("branch", branch))
	return path, branch, nil
}

// Commit is one stage-tagged or free-form commit record.
type Commit struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
}

// StageCommit stages all changes in the task's worktree and commits them
// with the canonical stage message. Returns nil (no error) when the tree is
// clean.
func (a *Adapter) StageCommit(ctx context.Context, taskID int64, stage string) (*Commit, error) {
	return a.CommitAll(ctx, taskID, StageCommitMessage(taskID, stage))
}

// CommitAll stages everything and commits with the given message; nil when
// there is nothing to commit.
func (a *Adapter) CommitAll(ctx context.Context, taskID int64, message string) (*Commit, error) {
	dir, _, err := a.worktreeFor(taskID)
	if err != nil {
		return nil, err
	}
	l := a.lockFor(dir)
	l.Lock()
	defer l.Unlock()

	if _, err := a.git(ctx, dir, "add", "-A"); err != nil {
		return nil, err
	}
	status, err := a.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(status) == "" {
		return nil, nil
	}

	if _, err := a.git(ctx, dir, "commit", "-m", message); err != nil {
		return nil, err
	}
	hash, err := a.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	commit := &Commit{Hash: strings.TrimSpace(hash), Message: message}
	a.emit(events.KindCommitComplete, map[string]any{
		"taskId": taskID, "hash": commit.Hash, "message": message,
	})
	return commit, nil
}

// StashAndReset stashes any uncommitted changes under a labeled entry, then
// hard-resets the worktree to the merge-base of the task branch and the
// base branch. Reports whether a stash entry was created. Idempotent: a
// clean tree stashes nothing and the reset is a no-op.
func (a *Adapter) StashAndReset(ctx context.Context, taskID int64) (stashed bool, err error) {
	dir, branch, err := a.worktreeFor(taskID)
	if err != nil {
		return false, err
	}
	l := a.lockFor(dir)
	l.Lock()
	defer l.Unlock()

	out, err := a.git(ctx, dir, "stash", "push", "--include-untracked",
		"-m", fmt.Sprintf("clawflow: task %d restart", taskID))
	if err != nil {
		return false, err
	}
	stashed = !strings.Contains(out, "No local changes to save")

	base := a.BaseBranch()
	mergeBase, err := a.git(ctx, dir, "merge-base", branch, base)
	if err != nil {
		return stashed, err
	}
	if _, err := a.git(ctx, dir, "reset", "--hard", strings.TrimSpace(mergeBase)); err != nil {
		return stashed, err
	}
	return stashed, nil
}

// ResetToStageCommit rolls the worktree back to the commit tagged for the
// given stage. When no such commit exists on the branch, falls back to
// StashAndReset.
func (a *Adapter) ResetToStageCommit(ctx context.Context, taskID int64, stage string) error {
	dir, _, err := a.worktreeFor(taskID)
	if err != nil {
		return err
	}

	wanted := StageCommitMessage(taskID, stage)
	hash, err := a.findCommit(ctx, dir, wanted)
	if err != nil || hash == "" {
		a.logger.Warn("stage commit not found, falling back to stash-and-reset",
			zap.Int64("task_id", taskID), zap.String("stage", stage))
		_, err := a.StashAndReset(ctx, taskID)
		return err
	}

	l := a.lockFor(dir)
	l.Lock()
	defer l.Unlock()

	if _, err := a.git(ctx, dir, "stash", "push", "--include-untracked",
		"-m", fmt.Sprintf("clawflow: task %d restart", taskID)); err != nil {
		return err
	}
	if _, err := a.git(ctx, dir, "reset", "--hard", hash); err != nil {
		return err
	}
	return nil
}

// findCommit searches the branch log for an exact commit subject.
func (a *Adapter) findCommit(ctx context.Context, dir, subject string) (string, error) {
	out, err := a.git(ctx, dir, "log", "--pretty=format:%H%x09%s")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		hash, msg, ok := strings.Cut(line, "\t")
		if ok && msg == subject {
			return hash, nil
		}
	}
	return "", nil
}

// DeleteBranch removes the task's worktree (if active) and deletes its
// branch.
func (a *Adapter) DeleteBranch(ctx context.Context, taskID int64) error {
	a.mu.Lock()
	path, hasWorktree := a.worktrees[taskID]
	branch := a.branches[taskID]
	a.mu.Unlock()

	if branch == "" {
		return fmt.Errorf("no branch recorded for task %d", taskID)
	}

	l := a.lockFor(a.projectPath)
	l.Lock()
	defer l.Unlock()

	if hasWorktree {
		if _, err := a.git(ctx, a.projectPath, "worktree", "remove", "--force", path); err != nil {
			return err
		}
		a.emit(events.KindWorktreeRemoved, map[string]any{"taskId": taskID, "path": path})
	}
	if _, err := a.git(ctx, a.projectPath, "branch", "-D", branch); err != nil {
		return err
	}
	a.emit(events.KindBranchDeleted, map[string]any{"taskId": taskID, "branch": branch})

	a.mu.Lock()
	delete(a.worktrees, taskID)
	delete(a.branches, taskID)
	a.mu.Unlock()
	return nil
}

// worktreeFor resolves a task's worktree directory and branch.
func (a *Adapter) worktreeFor(taskID int64) (dir, branch string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dir, ok := a.worktrees[taskID]
	if !ok {
		return "", "", fmt.Errorf("no worktree for task %d", taskID)
	}
	return dir, a.branches[taskID], nil
}

// WorktreePath returns the worktree directory for a task, if one exists.
func (a *Adapter) WorktreePath(taskID int64) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.worktrees[taskID]
	return p, ok
}
