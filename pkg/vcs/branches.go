// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package vcs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/teradata-labs/clawflow/pkg/events"
)

// Push failure classifications, sniffed from git's human-readable output.
// Unrecognized failure text propagates as-is.
var (
	ErrNoRemote       = errors.New("no remote configured")
	ErrNonFastForward = errors.New("push rejected: non-fast-forward")
)

// Push pushes the task branch to origin.
func (a *Adapter) Push(ctx context.Context, taskID int64) error {
	dir, branch, err := a.worktreeFor(taskID)
	if err != nil {
		return err
	}
	l := a.lockFor(dir)
	l.Lock()
	defer l.Unlock()

	out, err := a.git(ctx, dir, "push", "--set-upstream", "origin", branch)
	if err != nil {
		switch {
		case strings.Contains(out, "No configured push destination"),
			strings.Contains(out, "'origin' does not appear to be a git repository"):
			return fmt.Errorf("%w: %s", ErrNoRemote, branch)
		case strings.Contains(out, "non-fast-forward"),
			strings.Contains(out, "fetch first"),
			strings.Contains(out, "[rejected]"):
			return fmt.Errorf("%w: %s", ErrNonFastForward, branch)
		}
		return err
	}
	a.emit(events.KindPushComplete, map[string]any{"taskId": taskID, "branch": branch})
	return nil
}

// MergeResult reports the outcome of merging a task branch.
type MergeResult struct {
	Success   bool   `json:"success"`
	Conflicts bool   `json:"conflicts"`
	Message   string `json:"message"`
}

// Merge checks out the target branch (defaulting to the base branch),
// performs a non-fast-forward merge of the task branch, and returns to the
// originally-checked-out branch. Conflicts abort the merge and report
// Conflicts=true; untracked-file collisions return a structured failure
// without aborting anything already applied.
func (a *Adapter) Merge(ctx context.Context, taskID int64, target string) (*MergeResult, error) {
	_, branch, err := a.worktreeFor(taskID)
	if err != nil {
		return nil, err
	}
	if target == "" {
		target = a.BaseBranch()
	}

	l := a.lockFor(a.projectPath)
	l.Lock()
	defer l.Unlock()

	original, err := a.git(ctx, a.projectPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}
	original = strings.TrimSpace(original)

	if _, err := a.git(ctx, a.projectPath, "checkout", target); err != nil {
		return nil, err
	}
	// Return to where the user was, whatever the merge outcome.
	defer func() {
		if original != target {
			_, _ = a.git(ctx, a.projectPath, "checkout", original)
		}
	}()

	out, mergeErr := a.git(ctx, a.projectPath, "merge", "--no-ff", "--no-edit", branch)
	if mergeErr != nil {
		combined := out + mergeErr.Error()
		if strings.Contains(combined, "CONFLICT") {
			_, _ = a.git(ctx, a.projectPath, "merge", "--abort")
			a.emit(events.KindMergeConflict, map[string]any{"taskId": taskID, "branch": branch})
			return &MergeResult{Conflicts: true, Message: strings.TrimSpace(out)}, nil
		}
		if strings.Contains(combined, "would be overwritten") {
			return &MergeResult{Message: "untracked or local files would be overwritten by merge"}, nil
		}
		return nil, mergeErr
	}

	a.emit(events.KindMergeComplete, map[string]any{"taskId": taskID, "branch": branch, "target": target})
	return &MergeResult{Success: true, Message: strings.TrimSpace(out)}, nil
}

// BranchStatus values derived from task status and ahead count.
const (
	BranchActive    = "active"
	BranchCompleted = "completed"
	BranchStale     = "stale"
	BranchMerged    = "merged"
)

// BranchDetail is the per-branch status surfaced to the renderer.
type BranchDetail struct {
	TaskID         int64  `json:"taskId"`
	Branch         string `json:"branch"`
	Ahead          int    `json:"ahead"`
	Behind         int    `json:"behind"`
	LastCommit     string `json:"lastCommit"`
	LastCommitDate int64  `json:"lastCommitDate"`
	CommitCount    int    `json:"commitCount"`
	Pushed         bool   `json:"pushed"`
	Status         string `json:"status"`
	DirtyFiles     int    `json:"dirtyFiles"`
	WorktreeActive bool   `json:"worktreeActive"`
}

// GetBranchDetail computes rich status for one task branch. taskStatus is
// the task's pipeline status, used to derive the branch status.
func (a *Adapter) GetBranchDetail(ctx context.Context, taskID int64, taskStatus string) (*BranchDetail, error) {
	a.mu.Lock()
	branch := a.branches[taskID]
	_, active := a.worktrees[taskID]
	base := a.baseBranch
	a.mu.Unlock()
	if branch == "" {
		return nil, fmt.Errorf("no branch recorded for task %d", taskID)
	}

	d := &BranchDetail{TaskID: taskID, Branch: branch, WorktreeActive: active}

	if out, err := a.gitQuiet(ctx, a.projectPath, "rev-list", "--left-right", "--count",
		base+"..."+branch); err == nil {
		fields := strings.Fields(strings.TrimSpace(out))
		if len(fields) == 2 {
			d.Behind, _ = strconv.Atoi(fields[0])
			d.Ahead, _ = strconv.Atoi(fields[1])
		}
	}
	if out, err := a.gitQuiet(ctx, a.projectPath, "log", "-1", "--pretty=format:%s%x09%ct", branch); err == nil {
		if msg, ts, ok := strings.Cut(strings.TrimSpace(out), "\t"); ok {
			d.LastCommit = msg
			d.LastCommitDate, _ = strconv.ParseInt(ts, 10, 64)
		}
	}
	if out, err := a.gitQuiet(ctx, a.projectPath, "rev-list", "--count", base+".."+branch); err == nil {
		d.CommitCount, _ = strconv.Atoi(strings.TrimSpace(out))
	}
	if _, err := a.gitQuiet(ctx, a.projectPath, "show-ref", "--verify", "--quiet",
		"refs/remotes/origin/"+branch); err == nil {
		d.Pushed = true
	}
	if active {
		if files, err := a.GetWorkingTreeStatus(ctx, taskID); err == nil {
			d.DirtyFiles = len(files)
		}
	}

	switch {
	case taskStatus == "done" && d.Ahead == 0:
		d.Status = BranchMerged
	case taskStatus == "done":
		d.Status = BranchCompleted
	case taskStatus != "" && taskStatus != "backlog":
		d.Status = BranchActive
	default:
		d.Status = BranchStale
	}
	return d, nil
}

// GetBranches returns detail for every tracked task branch.
func (a *Adapter) GetBranches(ctx context.Context, taskStatuses map[int64]string) ([]*BranchDetail, error) {
	a.mu.Lock()
	ids := make([]int64, 0, len(a.branches))
	for id := range a.branches {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	details := make([]*BranchDetail, 0, len(ids))
	for _, id := range ids {
		d, err := a.GetBranchDetail(ctx, id, taskStatuses[id])
		if err != nil {
			continue
		}
		details = append(details, d)
	}
	return details, nil
}

// GetLocalBranches lists branch names in the project repository.
func (a *Adapter) GetLocalBranches(ctx context.Context) ([]string, error) {
	out, err := a.git(ctx, a.projectPath, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// FileStatus is one entry of the working-tree status.
type FileStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"` // two-letter porcelain code
}

// GetWorkingTreeStatus returns the file-level status of a task's worktree.
func (a *Adapter) GetWorkingTreeStatus(ctx context.Context, taskID int64) ([]FileStatus, error) {
	dir, _, err := a.worktreeFor(taskID)
	if err != nil {
		return nil, err
	}
	out, err := a.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}

	var files []FileStatus
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		files = append(files, FileStatus{
			Path:   strings.TrimSpace(line[3:]),
			Status: line[:2],
		})
	}
	return files, nil
}

// StageAllResult reports best-effort staging.
type StageAllResult struct {
	Staged int      `json:"staged"`
	Errors []string `json:"errors,omitempty"`
}

// StageAll stages everything in the worktree, tolerating per-path failures
// (for example invalid paths on case-insensitive filesystems): failed paths
// are reported in Errors rather than failing the whole operation.
func (a *Adapter) StageAll(ctx context.Context, taskID int64) (*StageAllResult, error) {
	dir, _, err := a.worktreeFor(taskID)
	if err != nil {
		return nil, err
	}
	l := a.lockFor(dir)
	l.Lock()
	defer l.Unlock()

	files, err := a.GetWorkingTreeStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if _, err := a.gitQuiet(ctx, dir, "add", "-A"); err == nil {
		return &StageAllResult{Staged: len(files)}, nil
	}

	// Bulk add failed; fall back to per-path staging and collect failures.
	result := &StageAllResult{}
	for _, f := range files {
		if _, err := a.gitQuiet(ctx, dir, "add", "--", f.Path); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", f.Path, err))
			continue
		}
		result.Staged++
	}
	return result, nil
}
